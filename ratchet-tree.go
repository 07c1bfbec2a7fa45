package mls

import (
	"encoding/binary"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

///
/// Tree hash inputs
///

type leafNodeInfo struct {
	PublicKey  HPKEPublicKey
	Credential *Credential `tls:"optional"`
}

type leafNodeHashInput struct {
	HashType uint8
	Info     *leafNodeInfo `tls:"optional"`
}

type parentNodeInfo struct {
	PublicKey HPKEPublicKey
}

type parentNodeHashInput struct {
	HashType  uint8
	Info      *parentNodeInfo `tls:"optional"`
	LeftHash  []byte          `tls:"head=1"`
	RightHash []byte          `tls:"head=1"`
}

///
/// RatchetTreeNode
///

// A node knows its public key always, and additionally holds the private key
// and originating path secret when this participant lies on the direct path
// that produced it.  A credential is populated iff this is an occupied leaf.
type RatchetTreeNode struct {
	PathSecret []byte          `tls:"omit"`
	PrivateKey *HPKEPrivateKey `tls:"omit"`
	PublicKey  HPKEPublicKey
	Credential *Credential `tls:"optional"`
}

func (n RatchetTreeNode) hasPrivate() bool {
	return n.PrivateKey != nil
}

// Compare the public aspects of two nodes
func (n RatchetTreeNode) Equals(o RatchetTreeNode) bool {
	lhsCredNil := n.Credential == nil
	rhsCredNil := o.Credential == nil
	if lhsCredNil != rhsCredNil {
		return false
	}

	if !lhsCredNil && !n.Credential.Equals(*o.Credential) {
		return false
	}

	return n.PublicKey.equals(o.PublicKey)
}

func (n RatchetTreeNode) clone() RatchetTreeNode {
	cloned := RatchetTreeNode{
		PathSecret: dup(n.PathSecret),
		PublicKey:  HPKEPublicKey{dup(n.PublicKey.Data)},
		Credential: n.Credential,
	}
	if n.PrivateKey != nil {
		priv := *n.PrivateKey
		cloned.PrivateKey = &priv
	}
	return cloned
}

///
/// OptionalRatchetTreeNode
///

// On the wire: present:u8 || (if present) public_key || credential?
type OptionalRatchetTreeNode struct {
	Node *RatchetTreeNode `tls:"optional"`
	Hash []byte           `tls:"omit"`
}

func (n OptionalRatchetTreeNode) blank() bool {
	return n.Node == nil
}

// Compare node values, not hashes
func (n OptionalRatchetTreeNode) Equals(o OptionalRatchetTreeNode) bool {
	if n.blank() != o.blank() {
		return false
	}

	if n.blank() {
		return true
	}

	return n.Node.Equals(*o.Node)
}

func (n OptionalRatchetTreeNode) clone() OptionalRatchetTreeNode {
	cloned := OptionalRatchetTreeNode{Hash: dup(n.Hash)}
	if !n.blank() {
		node := n.Node.clone()
		cloned.Node = &node
	}
	return cloned
}

func (n OptionalRatchetTreeNode) publicClone() OptionalRatchetTreeNode {
	cloned := n.clone()
	if !cloned.blank() {
		cloned.Node.PathSecret = nil
		cloned.Node.PrivateKey = nil
	}
	return cloned
}

func (n *OptionalRatchetTreeNode) setLeafHash(cs CipherSuite) {
	lhi := leafNodeHashInput{HashType: 0}
	if n.Node != nil {
		lhi.Info = &leafNodeInfo{
			PublicKey:  n.Node.PublicKey,
			Credential: n.Node.Credential,
		}
	}

	data, err := syntax.Marshal(lhi)
	if err != nil {
		panic(fmt.Errorf("mls.rtn: leaf hash marshal error %v", err))
	}
	n.Hash = cs.digest(data)
}

func (n *OptionalRatchetTreeNode) setParentHash(cs CipherSuite, l, r OptionalRatchetTreeNode) {
	phi := parentNodeHashInput{HashType: 1}
	if n.Node != nil {
		phi.Info = &parentNodeInfo{PublicKey: n.Node.PublicKey}
	}
	phi.LeftHash = l.Hash
	phi.RightHash = r.Hash

	data, err := syntax.Marshal(phi)
	if err != nil {
		panic(fmt.Errorf("mls.rtn: parent hash marshal error %v", err))
	}
	n.Hash = cs.digest(data)
}

///
/// MergeInfo
///

// The outcome of decrypting a DirectPath: public keys for the levels below
// the decryption point, recovered path secrets from there to the root.
// len(PublicKeys) + len(PathSecrets) equals the length of the sender's
// extended direct path (leaf included).
type MergeInfo struct {
	PublicKeys  []HPKEPublicKey
	PathSecrets [][]byte
}

///
/// RatchetTree
///

// optional<RatchetTreeNode> nodes<1..2^24-1>;
type RatchetTree struct {
	Nodes       []OptionalRatchetTreeNode `tls:"head=3"`
	CipherSuite CipherSuite               `tls:"omit"`
}

func (t RatchetTree) MarshalTLS() ([]byte, error) {
	enc, err := syntax.Marshal(struct {
		Nodes []OptionalRatchetTreeNode `tls:"head=3"`
	}{
		Nodes: t.Nodes,
	})
	if err != nil {
		return nil, fmt.Errorf("mls.ratchet-tree: Marshal failed: %v", err)
	}
	return enc, nil
}

// The suite is not carried on the wire; the decoder that knows it (e.g.
// Welcome) must set it and recompute hashes after unmarshaling.
func (t *RatchetTree) UnmarshalTLS(data []byte) (int, error) {
	var nodeList struct {
		Nodes []OptionalRatchetTreeNode `tls:"head=3"`
	}
	read, err := syntax.Unmarshal(data, &nodeList)
	if err != nil {
		return 0, fmt.Errorf("mls.ratchet-tree: Unmarshal failed: %v", err)
	}
	t.Nodes = nodeList.Nodes
	return read, nil
}

func newRatchetTree(cs CipherSuite) *RatchetTree {
	return &RatchetTree{
		Nodes:       []OptionalRatchetTreeNode{},
		CipherSuite: cs,
	}
}

func newRatchetTreeFromSecret(cs CipherSuite, leafSecret []byte, cred Credential) (*RatchetTree, error) {
	t := newRatchetTree(cs)

	leafPriv, err := cs.hpke().Derive(leafSecret)
	if err != nil {
		return nil, err
	}

	if err = t.AddLeaf(0, leafPriv.PublicKey, &cred); err != nil {
		return nil, err
	}

	if err = t.SetPath(0, leafSecret); err != nil {
		return nil, err
	}

	return t, nil
}

// Test / bootstrap constructor: build a tree by repeated add.
func newRatchetTreeFromSecrets(cs CipherSuite, leafSecrets [][]byte, creds []Credential) (*RatchetTree, error) {
	if len(leafSecrets) != len(creds) {
		return nil, fmt.Errorf("mls.ratchet-tree: secrets and credentials misaligned: %w", ErrInvalidParameter)
	}

	t := newRatchetTree(cs)
	for i := range leafSecrets {
		leafPriv, err := cs.hpke().Derive(leafSecrets[i])
		if err != nil {
			return nil, err
		}

		if err = t.AddLeaf(leafIndex(i), leafPriv.PublicKey, &creds[i]); err != nil {
			return nil, err
		}

		if err = t.SetPath(leafIndex(i), leafSecrets[i]); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// number of leaves in the ratchet tree
func (t RatchetTree) size() leafCount {
	return leafWidth(nodeCount(len(t.Nodes)))
}

// LeafSpan is the public view of the tree's leaf count.
func (t RatchetTree) LeafSpan() uint32 {
	return uint32(t.size())
}

func (t RatchetTree) rootIndex() nodeIndex {
	return root(t.size())
}

func (t RatchetTree) occupied(l leafIndex) bool {
	n := toNodeIndex(l)
	if int(n) >= len(t.Nodes) {
		return false
	}
	return !t.Nodes[n].blank()
}

func (t RatchetTree) GetCredential(index leafIndex) (Credential, error) {
	n := toNodeIndex(index)
	if !t.occupied(index) || t.Nodes[n].Node.Credential == nil {
		return Credential{}, fmt.Errorf("mls.ratchet-tree: no credential at leaf %d: %w", index, ErrInvalidParameter)
	}
	return *t.Nodes[n].Node.Credential, nil
}

func (t RatchetTree) RootHash() []byte {
	if len(t.Nodes) == 0 {
		return nil
	}
	return t.Nodes[t.rootIndex()].Hash
}

// The path secret at the root: the group's current shared secret.  Its
// absence after an operation that should have produced it is fatal.
func (t RatchetTree) RootSecret() ([]byte, error) {
	if len(t.Nodes) == 0 {
		return nil, fmt.Errorf("mls.ratchet-tree: empty tree has no root: %w", ErrInvariant)
	}

	r := t.Nodes[t.rootIndex()]
	if r.blank() || r.Node.PathSecret == nil {
		return nil, fmt.Errorf("mls.ratchet-tree: root secret not populated: %w", ErrInvariant)
	}
	return dup(r.Node.PathSecret), nil
}

func (t RatchetTree) Equals(o RatchetTree) bool {
	if len(t.Nodes) != len(o.Nodes) {
		return false
	}

	for i := range t.Nodes {
		if !t.Nodes[i].Equals(o.Nodes[i]) {
			return false
		}
	}
	return true
}

func (t RatchetTree) clone() *RatchetTree {
	nodes := make([]OptionalRatchetTreeNode, len(t.Nodes))
	for i, n := range t.Nodes {
		nodes[i] = n.clone()
	}

	return &RatchetTree{
		Nodes:       nodes,
		CipherSuite: t.CipherSuite,
	}
}

// publicClone strips private keys and path secrets; used to export the tree
// in a Welcome.
func (t RatchetTree) publicClone() *RatchetTree {
	nodes := make([]OptionalRatchetTreeNode, len(t.Nodes))
	for i, n := range t.Nodes {
		nodes[i] = n.publicClone()
	}

	return &RatchetTree{
		Nodes:       nodes,
		CipherSuite: t.CipherSuite,
	}
}

///
/// Mutators
///

func (t *RatchetTree) extend(n leafCount) {
	for len(t.Nodes) < int(nodeWidth(n)) {
		t.Nodes = append(t.Nodes, OptionalRatchetTreeNode{})
	}
}

// AddLeaf inserts a new member at the given leaf, either filling a blank
// slot or growing the tree by one leaf.  The direct path above the leaf is
// blanked so that the next state derivation depends on a fresh path.
func (t *RatchetTree) AddLeaf(index leafIndex, pub HPKEPublicKey, cred *Credential) error {
	switch {
	case leafCount(index) > t.size():
		return fmt.Errorf("mls.ratchet-tree: adding leaf %d would leave a gap: %w", index, ErrInvalidParameter)
	case leafCount(index) == t.size():
		t.extend(leafCount(index) + 1)
	case t.occupied(index):
		return fmt.Errorf("mls.ratchet-tree: leaf %d is occupied: %w", index, ErrInvalidParameter)
	}

	n := toNodeIndex(index)
	t.Nodes[n].Node = &RatchetTreeNode{
		PublicKey:  HPKEPublicKey{dup(pub.Data)},
		Credential: cred,
	}

	for _, v := range dirpath(n, t.size()) {
		t.Nodes[v].Node = nil
	}

	t.setHashPath(index)
	return nil
}

// BlankPath overwrites the leaf and every node on its direct path with
// blanks.
func (t *RatchetTree) BlankPath(index leafIndex) {
	if len(t.Nodes) == 0 {
		return
	}

	n := toNodeIndex(index)
	t.Nodes[n].Node = nil
	for _, v := range dirpath(n, t.size()) {
		t.Nodes[v].Node = nil
	}

	t.setHashPath(index)
}

func (t *RatchetTree) blankLeaf(index leafIndex) {
	t.Nodes[toNodeIndex(index)].Node = nil
	t.setHashPath(index)
}

// SetPath re-derives the direct path from a fresh leaf secret:
//
//	node_secret_k = KDF(path_secret_k, "node")
//	path_secret_{k+1} = KDF(path_secret_k, "path")
//
// The leaf key pair is derived from the leaf secret itself.
func (t *RatchetTree) SetPath(index leafIndex, leafSecret []byte) error {
	n := toNodeIndex(index)
	if !t.occupied(index) {
		return fmt.Errorf("mls.ratchet-tree: cannot set path from blank leaf %d: %w", index, ErrInvalidParameter)
	}

	leafPriv, err := t.CipherSuite.hpke().Derive(leafSecret)
	if err != nil {
		return err
	}

	t.mergeNode(n, RatchetTreeNode{
		PathSecret: dup(leafSecret),
		PrivateKey: &leafPriv,
		PublicKey:  leafPriv.PublicKey,
	})

	ps := leafSecret
	for _, v := range dirpath(n, t.size()) {
		ps = t.pathStep(ps)

		node, err := t.newNode(ps)
		if err != nil {
			return err
		}
		t.mergeNode(v, node)
	}

	t.setHashPath(index)

	if !t.checkInvariant(index) {
		return fmt.Errorf("mls.ratchet-tree: tree shape broken after set-path: %w", ErrInvariant)
	}
	return nil
}

// Encrypt computes the DirectPath a fresh leaf secret at `from` induces,
// without mutating the tree.  For each level, the level's path secret is
// encrypted to every public key in the resolution of the copath node, in
// resolution order.  Encrypting at `from == leaf span` targets the leaf a
// pending Add will occupy.
func (t RatchetTree) Encrypt(from leafIndex, context, leafSecret []byte) (*DirectPath, error) {
	tmp := t.clone()
	switch {
	case leafCount(from) > tmp.size():
		return nil, fmt.Errorf("mls.ratchet-tree: encrypt beyond leaf span: %w", ErrInvalidParameter)
	case leafCount(from) == tmp.size():
		tmp.extend(leafCount(from) + 1)
	}

	leafPriv, err := tmp.CipherSuite.hpke().Derive(leafSecret)
	if err != nil {
		return nil, err
	}

	path := &DirectPath{Nodes: []DirectPathNode{{
		PublicKey:            leafPriv.PublicKey,
		EncryptedPathSecrets: []HPKECiphertext{},
	}}}

	n := toNodeIndex(from)
	ps := leafSecret
	for i, v := range copath(n, tmp.size()) {
		ps = tmp.pathStep(ps)

		node, err := tmp.newNode(ps)
		if err != nil {
			return nil, err
		}

		pathNode := DirectPathNode{
			PublicKey:            node.PublicKey,
			EncryptedPathSecrets: []HPKECiphertext{},
		}

		for _, r := range tmp.resolve(v) {
			ct, err := tmp.CipherSuite.hpke().Encrypt(tmp.Nodes[r].Node.PublicKey, levelAAD(context, uint32(i+1)), ps)
			if err != nil {
				return nil, err
			}
			pathNode.EncryptedPathSecrets = append(pathNode.EncryptedPathSecrets, ct)
		}

		path.Nodes = append(path.Nodes, pathNode)
	}

	return path, nil
}

// Decrypt recovers what it can of the path secrets in a DirectPath: at the
// first level where we hold a private key in the copath resolution, the
// level's path secret is decrypted; everything above is re-derived and
// checked against the sender's public keys; everything below is absorbed as
// given.  The tree is not mutated.
func (t RatchetTree) Decrypt(from leafIndex, context []byte, path DirectPath) (*MergeInfo, error) {
	n := toNodeIndex(from)
	cp := copath(n, t.size())
	if len(path.Nodes) != len(cp)+1 {
		return nil, fmt.Errorf("mls.ratchet-tree: malformed DirectPath %d != %d: %w",
			len(path.Nodes), len(cp)+1, ErrProtocol)
	}

	if len(path.Nodes[0].EncryptedPathSecrets) != 0 {
		return nil, fmt.Errorf("mls.ratchet-tree: malformed leaf node in DirectPath: %w", ErrProtocol)
	}

	info := &MergeInfo{
		PublicKeys: []HPKEPublicKey{path.Nodes[0].PublicKey},
	}

	var ps []byte
	haveSecret := false
	for i, v := range cp {
		pathNode := path.Nodes[i+1]
		res := t.resolve(v)
		if len(pathNode.EncryptedPathSecrets) != len(res) {
			return nil, fmt.Errorf("mls.ratchet-tree: ciphertext count mismatch at level %d: %w", i+1, ErrProtocol)
		}

		if !haveSecret {
			for j, r := range res {
				if t.Nodes[r].blank() || !t.Nodes[r].Node.hasPrivate() {
					continue
				}

				pt, err := t.CipherSuite.hpke().Decrypt(*t.Nodes[r].Node.PrivateKey,
					levelAAD(context, uint32(i+1)), pathNode.EncryptedPathSecrets[j])
				if err != nil {
					return nil, fmt.Errorf("mls.ratchet-tree: path secret decryption failed at node %d: %w", r, ErrCrypto)
				}

				ps = pt
				haveSecret = true
				break
			}
		} else {
			ps = t.pathStep(ps)
		}

		if haveSecret {
			node, err := t.newNode(ps)
			if err != nil {
				return nil, err
			}

			if !node.PublicKey.equals(pathNode.PublicKey) {
				return nil, fmt.Errorf("mls.ratchet-tree: re-derived public key mismatch at level %d: %w", i+1, ErrProtocol)
			}

			info.PathSecrets = append(info.PathSecrets, dup(ps))
		} else {
			info.PublicKeys = append(info.PublicKeys, pathNode.PublicKey)
		}
	}

	if !haveSecret {
		return nil, fmt.Errorf("mls.ratchet-tree: no private key available to decrypt path: %w", ErrCrypto)
	}

	return info, nil
}

// MergePath writes the outcome of Decrypt into the tree.
func (t *RatchetTree) MergePath(from leafIndex, info *MergeInfo) error {
	n := toNodeIndex(from)
	d := append([]nodeIndex{n}, dirpath(n, t.size())...)
	if len(info.PublicKeys)+len(info.PathSecrets) != len(d) {
		return fmt.Errorf("mls.ratchet-tree: merge info does not span direct path: %w", ErrProtocol)
	}

	for i, v := range d {
		if i < len(info.PublicKeys) {
			t.mergeNode(v, RatchetTreeNode{PublicKey: info.PublicKeys[i]})
			continue
		}

		node, err := t.newNode(info.PathSecrets[i-len(info.PublicKeys)])
		if err != nil {
			return err
		}
		t.mergeNode(v, node)
	}

	t.setHashPath(from)

	if !t.checkInvariant(from) {
		return fmt.Errorf("mls.ratchet-tree: tree shape broken after merge: %w", ErrInvariant)
	}
	return nil
}

// Truncate drops trailing blank leaves so the leaf span equals the highest
// occupied leaf plus one.
func (t *RatchetTree) Truncate() {
	n := t.size()
	for n > 0 && !t.occupied(leafIndex(n-1)) {
		n--
	}

	t.Nodes = t.Nodes[:nodeWidth(n)]
	if n > 0 {
		t.setHashAll(t.rootIndex())
	}
}

///
/// Helpers
///

func (t *RatchetTree) mergeNode(n nodeIndex, node RatchetTreeNode) {
	if !t.Nodes[n].blank() {
		node.Credential = t.Nodes[n].Node.Credential
	}
	t.Nodes[n].Node = &node
}

func (t RatchetTree) pathStep(pathSecret []byte) []byte {
	return t.CipherSuite.hkdfExpandLabel(pathSecret, "path", []byte{}, t.CipherSuite.constants().SecretSize)
}

func (t RatchetTree) nodeStep(pathSecret []byte) []byte {
	return t.CipherSuite.hkdfExpandLabel(pathSecret, "node", []byte{}, t.CipherSuite.constants().SecretSize)
}

func (t RatchetTree) newNode(pathSecret []byte) (RatchetTreeNode, error) {
	priv, err := t.CipherSuite.hpke().Derive(t.nodeStep(pathSecret))
	if err != nil {
		return RatchetTreeNode{}, err
	}

	return RatchetTreeNode{
		PathSecret: dup(pathSecret),
		PrivateKey: &priv,
		PublicKey:  priv.PublicKey,
	}, nil
}

// Resolution of a node: itself if non-blank; empty for a blank leaf; the
// concatenation of the children's resolutions for a blank parent.
func (t RatchetTree) resolve(index nodeIndex) []nodeIndex {
	if !t.Nodes[index].blank() {
		return []nodeIndex{index}
	}

	if level(index) == 0 {
		return []nodeIndex{}
	}

	l := t.resolve(left(index))
	r := t.resolve(right(index, t.size()))
	return append(l, r...)
}

// Ciphertexts are bound to the group context plus the level they protect.
func levelAAD(context []byte, level uint32) []byte {
	aad := make([]byte, len(context)+4)
	copy(aad, context)
	binary.BigEndian.PutUint32(aad[len(context):], level)
	return aad
}

func (t RatchetTree) checkInvariant(from leafIndex) bool {
	if len(t.Nodes) == 0 {
		return true
	}

	if nodeCount(len(t.Nodes)) != nodeWidth(t.size()) {
		return false
	}

	for i := nodeIndex(0); int(i) < len(t.Nodes); i++ {
		if t.Nodes[i].blank() {
			continue
		}

		p := parent(i, t.size())
		if p != i && t.Nodes[p].blank() {
			return false
		}

		node := t.Nodes[i].Node
		if node.hasPrivate() && !node.PrivateKey.PublicKey.equals(node.PublicKey) {
			return false
		}
	}

	if t.occupied(from) {
		for _, v := range dirpath(toNodeIndex(from), t.size()) {
			if t.Nodes[v].blank() {
				return false
			}
		}
	}

	return true
}

func (t *RatchetTree) setHash(index nodeIndex) {
	if level(index) == 0 {
		t.Nodes[index].setLeafHash(t.CipherSuite)
		return
	}

	l := left(index)
	r := right(index, t.size())
	t.Nodes[index].setParentHash(t.CipherSuite, t.Nodes[l], t.Nodes[r])
}

func (t *RatchetTree) setHashPath(index leafIndex) {
	curr := toNodeIndex(index)
	t.Nodes[curr].setLeafHash(t.CipherSuite)

	size := t.size()
	r := root(size)
	for curr != r {
		curr = parent(curr, size)
		t.setHash(curr)
	}
}

func (t *RatchetTree) setHashAll(index nodeIndex) {
	if len(t.Nodes) == 0 {
		return
	}

	if level(index) == 0 {
		t.setHash(index)
		return
	}

	t.setHashAll(left(index))
	t.setHashAll(right(index, t.size()))
	t.setHash(index)
}

func (t RatchetTree) dump(label string) {
	fmt.Printf("===== tree(%s) [%04x] =====\n", label, uint16(t.CipherSuite))
	fmt.Printf("===== rootHash [%x] =====\n", t.RootHash())

	for i, n := range t.Nodes {
		if n.blank() {
			fmt.Printf("  %2d _\n", i)
		} else {
			fmt.Printf("  %2d [%x]\n", i, n.Node.PublicKey.Data)
		}
	}
}
