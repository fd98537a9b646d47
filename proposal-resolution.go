package mls

import (
	"bytes"
	"fmt"
	"sort"
	"time"
)

// ProposalInfo is a proposal together with the sender that framed it. Ref is
// empty for proposals carried by value in a commit.
type ProposalInfo struct {
	Proposal Proposal
	Sender   Sender
	Ref      ProposalRef
}

// ProposalFilterContext describes the commit a filter is applied to.
type ProposalFilterContext struct {
	Committer    Sender
	Receiving    bool
	GroupContext GroupContext
}

// ProposalFilter lets the application vet proposals before a commit. A
// committer may drop entries; a receiver rejects the commit if any entry is
// dropped.
type ProposalFilter interface {
	Filter(ctx ProposalFilterContext, proposals []ProposalInfo) ([]ProposalInfo, error)
}

type ProposalFilterFunc func(ctx ProposalFilterContext, proposals []ProposalInfo) ([]ProposalInfo, error)

func (f ProposalFilterFunc) Filter(ctx ProposalFilterContext, proposals []ProposalInfo) ([]ProposalInfo, error) {
	return f(ctx, proposals)
}

type PassThroughFilter struct{}

func (PassThroughFilter) Filter(_ ProposalFilterContext, proposals []ProposalInfo) ([]ProposalInfo, error) {
	return proposals, nil
}

///
/// Proposal cache
///

type cachedProposal struct {
	info ProposalInfo
	// leafPriv is set for our own Update proposals.
	leafPriv *HPKEPrivateKey
}

// proposalCache holds the proposals received during the current epoch in
// arrival order.
type proposalCache struct {
	entries []cachedProposal
	byRef   map[string]int
}

func newProposalCache() *proposalCache {
	return &proposalCache{byRef: map[string]int{}}
}

func (pc *proposalCache) add(info ProposalInfo, leafPriv *HPKEPrivateKey) {
	if _, ok := pc.byRef[string(info.Ref)]; ok {
		return
	}
	pc.byRef[string(info.Ref)] = len(pc.entries)
	pc.entries = append(pc.entries, cachedProposal{info: info, leafPriv: leafPriv})
}

func (pc *proposalCache) get(ref ProposalRef) (cachedProposal, bool) {
	i, ok := pc.byRef[string(ref)]
	if !ok {
		return cachedProposal{}, false
	}
	return pc.entries[i], true
}

func (pc *proposalCache) all() []ProposalInfo {
	out := make([]ProposalInfo, len(pc.entries))
	for i, e := range pc.entries {
		out[i] = e.info
	}
	return out
}

func (pc *proposalCache) size() int {
	return len(pc.entries)
}

// clear drops every proposal; they do not survive the epoch.
func (pc *proposalCache) clear() {
	for _, e := range pc.entries {
		if e.leafPriv != nil {
			e.leafPriv.zeroize()
		}
	}
	pc.entries = nil
	pc.byRef = map[string]int{}
}

// resolve turns the proposal list of a commit into proposal infos, looking up
// references in the cache.
func (pc *proposalCache) resolve(list []ProposalOrRef, committer Sender) ([]ProposalInfo, error) {
	out := make([]ProposalInfo, 0, len(list))
	for _, p := range list {
		if p.Proposal != nil {
			out = append(out, ProposalInfo{Proposal: *p.Proposal, Sender: committer})
			continue
		}

		entry, ok := pc.get(p.Reference)
		if !ok {
			return nil, validationError("proposal", fmt.Errorf("%w: %v", ErrUnknownProposal, p.Reference))
		}
		out = append(out, entry.info)
	}
	return out, nil
}

///
/// Resolution
///

// resolveContext is the state a proposal bundle is validated against.
type resolveContext struct {
	cs        CipherSuiteProvider
	tree      *RatchetTree
	context   GroupContext
	committer Sender
	now       time.Time
	lifetimes bool
	validator IdentityValidator
	psks      pskResolver
	// public skips the lookup of PSK secrets, which an observer never holds.
	public bool
}

type updateEntry struct {
	leaf LeafIndex
	node LeafNode
}

type addEntry struct {
	keyPackage KeyPackage
	ref        KeyPackageRef
}

// proposalPlan is a validated bundle in canonical application order.
type proposalPlan struct {
	updates      []updateEntry
	removes      []LeafIndex
	adds         []addEntry
	extensions   *ExtensionList
	psks         []PreSharedKeyID
	reinit       *ReInitProposal
	externalInit *ExternalInitProposal

	// selfUpdate is set when the committer proposed an Update for its own
	// leaf; it is carried by the commit's path.
	selfUpdate   bool
	pathRequired bool
}

func (pp *proposalPlan) isRemoved(leaf LeafIndex) bool {
	for _, r := range pp.removes {
		if r == leaf {
			return true
		}
	}
	return false
}

// apply mutates the tree in canonical order and returns the leaves given to
// added members.
func (pp *proposalPlan) apply(tree *RatchetTree) ([]LeafIndex, error) {
	for _, u := range pp.updates {
		if err := tree.UpdateLeaf(u.leaf, u.node); err != nil {
			return nil, err
		}
	}

	for _, r := range pp.removes {
		if err := tree.RemoveLeaf(r); err != nil {
			return nil, err
		}
	}

	added := make([]LeafIndex, 0, len(pp.adds))
	for _, a := range pp.adds {
		leaf, err := tree.AddLeaf(a.keyPackage.LeafNode)
		if err != nil {
			return nil, err
		}
		added = append(added, leaf)
	}
	return added, nil
}

func (pp *proposalPlan) proposalCount() int {
	n := len(pp.updates) + len(pp.removes) + len(pp.adds) + len(pp.psks)
	if pp.extensions != nil {
		n++
	}
	if pp.reinit != nil {
		n++
	}
	if pp.externalInit != nil {
		n++
	}
	if pp.selfUpdate {
		n++
	}
	return n
}

// groupExtensions is the extension list of the next epoch.
func (pp *proposalPlan) groupExtensions(current ExtensionList) ExtensionList {
	if pp.extensions != nil {
		return pp.extensions.Clone()
	}
	return current.Clone()
}

func senderLabel(s Sender) string {
	switch s.Type {
	case SenderTypeMember:
		return fmt.Sprintf("member %d", s.Leaf)
	case SenderTypeExternal:
		return fmt.Sprintf("external sender %d", s.Index)
	case SenderTypeNewMemberCommit:
		return "new member commit"
	default:
		return "new member"
	}
}

// validateProposals checks the whole bundle and returns the canonical plan.
// Every rule violation is reported; any violation rejects the bundle.
func (rc resolveContext) validateProposals(proposals []ProposalInfo, byReference bool) (*proposalPlan, error) {
	var errs proposalErrors
	plan := &proposalPlan{}
	external := rc.committer.Type == SenderTypeNewMemberCommit

	updated := map[LeafIndex]bool{}
	removed := map[LeafIndex]bool{}
	var gceCount, reinitCount, externalInitCount int
	kinds := map[ProposalType]int{}

	if external && byReference {
		errs.add("external commit carries proposals by reference")
	}

	for _, info := range proposals {
		p := info.Proposal
		kinds[p.Type()]++
		from := senderLabel(info.Sender)

		if external {
			switch p.Type() {
			case ProposalTypeExternalInit, ProposalTypeRemove, ProposalTypePSK:
			default:
				errs.add("%v proposal not allowed in an external commit", p.Type())
			}
		}

		switch p.Type() {
		case ProposalTypeUpdate:
			if info.Sender.Type != SenderTypeMember {
				errs.add("update from %s", from)
				continue
			}

			leaf := info.Sender.Leaf
			if updated[leaf] {
				errs.add("multiple updates for leaf %d", leaf)
				continue
			}
			updated[leaf] = true

			if rc.committer.Type == SenderTypeMember && leaf == rc.committer.Leaf {
				plan.selfUpdate = true
				continue
			}

			if _, ok := rc.tree.Leaf(leaf); !ok {
				errs.add("update for unknown leaf %d", leaf)
				continue
			}

			v := rc.leafValidation(leaf, LeafNodeSourceUpdate)
			if err := p.Update.LeafNode.validate(v); err != nil {
				errs.add("update from leaf %d: %w", leaf, err)
				continue
			}
			plan.updates = append(plan.updates, updateEntry{leaf: leaf, node: p.Update.LeafNode})

		case ProposalTypeRemove:
			switch info.Sender.Type {
			case SenderTypeMember, SenderTypeExternal:
			default:
				if !external {
					errs.add("remove from %s", from)
					continue
				}
			}

			leaf := p.Remove.Removed
			if removed[leaf] {
				errs.add("multiple removes for leaf %d", leaf)
				continue
			}
			removed[leaf] = true

			if _, ok := rc.tree.Leaf(leaf); !ok {
				errs.add("remove of unknown leaf %d", leaf)
				continue
			}
			if rc.committer.Type == SenderTypeMember && leaf == rc.committer.Leaf {
				errs.add("committer removes itself")
				continue
			}
			plan.removes = append(plan.removes, leaf)

		case ProposalTypeAdd:
			if info.Sender.Type == SenderTypeNewMemberCommit {
				errs.add("add from %s", from)
				continue
			}
			plan.adds = append(plan.adds, addEntry{keyPackage: p.Add.KeyPackage})

		case ProposalTypePSK:
			id := p.PSK.PSK
			if len(id.Nonce) != rc.cs.Constants().SecretSize {
				errs.add("psk nonce has %d bytes", len(id.Nonce))
				continue
			}

			duplicate := false
			for _, seen := range plan.psks {
				if seen.sameKey(id) {
					duplicate = true
					break
				}
			}
			if duplicate {
				errs.add("duplicate psk id")
				continue
			}

			if !rc.public {
				secret, ok := rc.psks.secret(id)
				if !ok {
					errs.add("%w", ErrPSKNotFound)
					continue
				}
				zeroize(secret)
			}
			plan.psks = append(plan.psks, id)

		case ProposalTypeReInit:
			reinitCount++
			if reinitCount > 1 {
				errs.add("multiple reinit proposals")
				continue
			}
			if p.ReInit.Version != ProtocolVersionMLS10 {
				errs.add("reinit to unsupported version %d", p.ReInit.Version)
				continue
			}
			plan.reinit = p.ReInit

		case ProposalTypeExternalInit:
			externalInitCount++
			if !external {
				errs.add("external init in a member commit")
				continue
			}
			if externalInitCount > 1 {
				errs.add("multiple external init proposals")
				continue
			}
			plan.externalInit = p.ExternalInit

		case ProposalTypeGroupContextExtensions:
			gceCount++
			if gceCount > 1 {
				errs.add("multiple group context extensions proposals")
				continue
			}
			exts := p.GroupContextExtensions.Extensions.Clone()
			plan.extensions = &exts

		default:
			errs.add("unsupported proposal type %v", p.Type())
		}
	}

	for leaf := range updated {
		if removed[leaf] {
			errs.add("leaf %d is both updated and removed", leaf)
		}
	}

	if external && externalInitCount == 0 {
		errs.add("external commit without external init")
	}
	if external && kinds[ProposalTypeRemove] > 1 {
		errs.add("external commit removes more than one member")
	}

	if plan.reinit != nil && len(proposals) > 1 {
		errs.add("reinit combined with other proposals")
	}

	if plan.extensions != nil {
		rc.checkExtensions(plan, &errs)
	}

	rc.checkAdds(plan, &errs)

	if err := errs.err("proposal"); err != nil {
		return nil, err
	}

	plan.sort()
	plan.pathRequired = external || len(proposals) == 0 ||
		len(proposals) != len(plan.adds)+len(plan.psks)+reinitCount
	return plan, nil
}

func (rc resolveContext) leafValidation(leaf LeafIndex, source LeafNodeSource) leafValidation {
	req, _ := rc.context.requiredCapabilities()
	return leafValidation{
		cs:        rc.cs,
		groupID:   rc.context.GroupID,
		leaf:      leaf,
		source:    source,
		now:       rc.now,
		lifetimes: rc.lifetimes,
		validator: rc.validator,
		required:  req,
		groupExts: rc.context.Extensions,
	}
}

// checkExtensions requires every member that stays in the group to support
// the new group context extensions.
func (rc resolveContext) checkExtensions(plan *proposalPlan, errs *proposalErrors) {
	var req *RequiredCapabilitiesExtension
	var found RequiredCapabilitiesExtension
	if ok, err := plan.extensions.Find(&found); err != nil {
		errs.add("required capabilities: %w", err)
	} else if ok {
		req = &found
	}

	for _, leaf := range rc.tree.Members() {
		if plan.isRemoved(leaf) {
			continue
		}

		ln, _ := rc.tree.Leaf(leaf)
		for _, t := range plan.extensions.Types() {
			if !ln.Capabilities.supportsExtension(t) {
				errs.add("leaf %d does not support extension %d", leaf, t)
			}
		}
		if req != nil && !ln.Capabilities.meets(*req) {
			errs.add("leaf %d does not meet required capabilities", leaf)
		}
	}
}

// checkAdds validates key packages against the next epoch's extensions and
// checks identities against the members that remain.
func (rc resolveContext) checkAdds(plan *proposalPlan, errs *proposalErrors) {
	if len(plan.adds) == 0 {
		return
	}

	v := rc.leafValidation(0, LeafNodeSourceKeyPackage)
	v.groupExts = plan.groupExtensions(rc.context.Extensions)
	v.required = nil
	var req RequiredCapabilitiesExtension
	if ok, err := v.groupExts.Find(&req); err == nil && ok {
		v.required = &req
	}

	identities := map[string]bool{}
	for _, leaf := range rc.tree.Members() {
		if plan.isRemoved(leaf) {
			continue
		}
		ln, _ := rc.tree.Leaf(leaf)
		identities[string(ln.Credential.Identity())] = true
	}

	valid := plan.adds[:0]
	for _, a := range plan.adds {
		kp := a.keyPackage
		if err := kp.validate(v); err != nil {
			errs.add("add: %w", err)
			continue
		}

		id := string(kp.LeafNode.Credential.Identity())
		if identities[id] {
			errs.add("add: identity %x already in group", kp.LeafNode.Credential.Identity())
			continue
		}
		identities[id] = true

		ref, err := kp.Ref(rc.cs)
		if err != nil {
			errs.add("add: %w", err)
			continue
		}
		valid = append(valid, addEntry{keyPackage: kp, ref: ref})
	}
	plan.adds = valid
}

// sort puts the plan in canonical order so that the result of applying it
// does not depend on the order the proposals were received in.
func (pp *proposalPlan) sort() {
	sort.Slice(pp.updates, func(i, j int) bool { return pp.updates[i].leaf < pp.updates[j].leaf })
	sort.Slice(pp.removes, func(i, j int) bool { return pp.removes[i] < pp.removes[j] })
	sort.Slice(pp.adds, func(i, j int) bool { return bytes.Compare(pp.adds[i].ref, pp.adds[j].ref) < 0 })

	encoded := make([][]byte, len(pp.psks))
	for i, id := range pp.psks {
		encoded[i], _ = marshal(id)
	}
	sort.Sort(pskOrder{ids: pp.psks, enc: encoded})
}

type pskOrder struct {
	ids []PreSharedKeyID
	enc [][]byte
}

func (o pskOrder) Len() int           { return len(o.ids) }
func (o pskOrder) Less(i, j int) bool { return bytes.Compare(o.enc[i], o.enc[j]) < 0 }
func (o pskOrder) Swap(i, j int) {
	o.ids[i], o.ids[j] = o.ids[j], o.ids[i]
	o.enc[i], o.enc[j] = o.enc[j], o.enc[i]
}

// filterProposals applies the application filter. A receiver may not have
// anything dropped.
func filterProposals(filter ProposalFilter, ctx ProposalFilterContext, proposals []ProposalInfo) ([]ProposalInfo, error) {
	if filter == nil {
		return proposals, nil
	}

	out, err := filter.Filter(ctx, proposals)
	if err != nil {
		return nil, validationError("proposal", fmt.Errorf("%w: %v", ErrInvalidProposal, err))
	}

	if ctx.Receiving && len(out) != len(proposals) {
		return nil, validationError("proposal", fmt.Errorf("%w: filter rejected %d proposals", ErrInvalidProposal, len(proposals)-len(out)))
	}
	return out, nil
}
