package mls

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	treeSuite   = X25519_SHA256_AES128GCM
	treeContext = []byte("group-context")
)

func newTestCredential(t *testing.T, scheme SignatureScheme, secret []byte) Credential {
	sigPriv, err := scheme.Derive(secret)
	require.Nil(t, err)
	return NewBasicCredential([]byte("test-user"), scheme, sigPriv.PublicKey)
}

func newTestTree(t *testing.T, size int) *RatchetTree {
	secrets := make([][]byte, size)
	creds := make([]Credential, size)
	for i := range secrets {
		secrets[i] = []byte{byte(i), 1, 2, 3}
		creds[i] = newTestCredential(t, treeSuite.scheme(), secrets[i])
	}

	tree, err := newRatchetTreeFromSecrets(treeSuite, secrets, creds)
	require.Nil(t, err)
	return tree
}

func TestRatchetTreeFromSecrets(t *testing.T) {
	tree := newTestTree(t, 4)

	require.Equal(t, leafCount(4), tree.size())
	require.Equal(t, 7, len(tree.Nodes))
	for i := leafIndex(0); i < 4; i++ {
		require.True(t, tree.occupied(i))
	}

	_, err := tree.RootSecret()
	require.Nil(t, err)
	require.NotEmpty(t, tree.RootHash())

	// An identically built tree agrees on everything public
	other := newTestTree(t, 4)
	require.True(t, tree.Equals(*other))
	require.Equal(t, tree.RootHash(), other.RootHash())
}

func TestRatchetTreeEncryptDecrypt(t *testing.T) {
	tree := newTestTree(t, 4)
	receiver := tree.clone()

	leafSecret := unhex("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	path, err := tree.Encrypt(0, treeContext, leafSecret)
	require.Nil(t, err)
	require.Equal(t, 3, len(path.Nodes))
	require.Empty(t, path.Nodes[0].EncryptedPathSecrets)

	// Encrypt must not mutate the tree
	require.True(t, tree.Equals(*receiver))

	// The sender applies the same secret directly
	require.Nil(t, tree.SetPath(0, leafSecret))

	// A peer recovers the path from the ciphertexts
	info, err := receiver.Decrypt(0, treeContext, *path)
	require.Nil(t, err)
	require.Nil(t, receiver.MergePath(0, info))

	senderRoot, err := tree.RootSecret()
	require.Nil(t, err)
	receiverRoot, err := receiver.RootSecret()
	require.Nil(t, err)
	require.Equal(t, senderRoot, receiverRoot)

	require.True(t, tree.Equals(*receiver))
	require.Equal(t, tree.RootHash(), receiver.RootHash())
}

func TestRatchetTreeDecryptFailures(t *testing.T) {
	tree := newTestTree(t, 4)

	leafSecret := unhex("202122232425262728292a2b2c2d2e2f303132333435363738393a3b3c3d3e3f")
	path, err := tree.Encrypt(0, treeContext, leafSecret)
	require.Nil(t, err)

	// No private key anywhere: undecryptable
	public := tree.publicClone()
	_, err = public.Decrypt(0, treeContext, *path)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCrypto))

	// Tampered ciphertext: AEAD open fails
	mangled := *path
	mangled.Nodes = append([]DirectPathNode{}, path.Nodes...)
	mangled.Nodes[1].EncryptedPathSecrets = append([]HPKECiphertext{}, path.Nodes[1].EncryptedPathSecrets...)
	mangled.Nodes[1].EncryptedPathSecrets[0].Ciphertext = dup(path.Nodes[1].EncryptedPathSecrets[0].Ciphertext)
	mangled.Nodes[1].EncryptedPathSecrets[0].Ciphertext[0] ^= 0xFF
	_, err = tree.clone().Decrypt(0, treeContext, mangled)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCrypto))

	// Mismatched re-derived public key: protocol error
	mangled = *path
	mangled.Nodes = append([]DirectPathNode{}, path.Nodes...)
	mangled.Nodes[2].PublicKey = HPKEPublicKey{dup(path.Nodes[2].PublicKey.Data)}
	mangled.Nodes[2].PublicKey.Data[0] ^= 0xFF
	_, err = tree.clone().Decrypt(0, treeContext, mangled)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrProtocol))

	// Wrong context: the ciphertexts are bound to it
	_, err = tree.clone().Decrypt(0, []byte("other-context"), *path)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCrypto))
}

func TestRatchetTreeAddLeaf(t *testing.T) {
	tree := newTestTree(t, 3)

	cred := newTestCredential(t, treeSuite.scheme(), []byte{9, 9, 9})
	leafPriv, err := treeSuite.hpke().Derive([]byte{9, 9, 9})
	require.Nil(t, err)

	require.Nil(t, tree.AddLeaf(3, leafPriv.PublicKey, &cred))
	require.Equal(t, leafCount(4), tree.size())
	require.True(t, tree.occupied(3))

	// The direct path above the new leaf is blanked
	for _, v := range dirpath(toNodeIndex(3), tree.size()) {
		require.True(t, tree.Nodes[v].blank())
	}

	// Double occupancy and gaps are rejected
	require.Error(t, tree.AddLeaf(3, leafPriv.PublicKey, &cred))
	require.Error(t, tree.AddLeaf(6, leafPriv.PublicKey, &cred))
}

func TestRatchetTreeBlankPath(t *testing.T) {
	tree := newTestTree(t, 4)
	before := tree.RootHash()

	tree.BlankPath(1)
	require.False(t, tree.occupied(1))
	for _, v := range dirpath(toNodeIndex(1), tree.size()) {
		require.True(t, tree.Nodes[v].blank())
	}
	require.NotEqual(t, before, tree.RootHash())

	// The blank leaf disappears from resolutions
	res := tree.resolve(tree.rootIndex())
	for _, r := range res {
		require.NotEqual(t, toNodeIndex(1), r)
	}

	_, err := tree.RootSecret()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvariant))
}

func TestRatchetTreeTruncate(t *testing.T) {
	tree := newTestTree(t, 4)

	tree.BlankPath(3)
	tree.Truncate()
	require.Equal(t, leafCount(3), tree.size())
	require.Equal(t, 5, len(tree.Nodes))

	// Only trailing blanks are dropped
	tree = newTestTree(t, 4)
	tree.BlankPath(1)
	tree.Truncate()
	require.Equal(t, leafCount(4), tree.size())
}

func TestRatchetTreeRoundTrip(t *testing.T) {
	tree := newTestTree(t, 4)

	data, err := tree.MarshalTLS()
	require.Nil(t, err)

	var decoded RatchetTree
	_, err = decoded.UnmarshalTLS(data)
	require.Nil(t, err)

	decoded.CipherSuite = tree.CipherSuite
	decoded.setHashAll(decoded.rootIndex())

	require.True(t, tree.Equals(decoded))
	require.Equal(t, tree.RootHash(), decoded.RootHash())

	// Private material never crosses the wire
	for _, n := range decoded.Nodes {
		if !n.blank() {
			require.Nil(t, n.Node.PrivateKey)
			require.Empty(t, n.Node.PathSecret)
		}
	}
}
