package reftable

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// peelFanoutLimit bounds how many concurrent Dependencies.Peel calls a
// single batch's pre-validation fan-out may have in flight, the same way
// the teacher bounds its object-store fan-out.
const peelFanoutLimit = 8

// RejectionCode classifies the outcome of one command in a batch update.
// These annotate a Command rather than surfacing as a Go error, because
// spec.md §4.10 describes a single call that can partially succeed (§7).
type RejectionCode int

const (
	NotAttempted RejectionCode = iota
	OK
	LockFailure
	RejectedNonFastForward
	MissingObject
	RejectedOtherReason
)

// Author identifies who a reflog entry is attributed to.
type Author struct {
	Name  string
	Email string
}

// Dependencies are the batch update's external collaborators (§6): an
// object-existence check, tag-peeling, fast-forward classification, and a
// clock/identity supplier for reflog stamping. Each is a plain function so
// a caller can wire it to whatever object store and revision walker it
// has, without this package depending on either.
type Dependencies struct {
	ObjectExists func(ObjectID) bool
	Peel         func(ObjectID) (peeled ObjectID, isTag bool)
	IsFastForward func(old, new ObjectID) (bool, error)
	Clock         func() (time.Time, Author)
}

// Command is one intended ref mutation within a batch.
type Command struct {
	RefName             string
	OldValue            Ref // expected current value; deletion means "must not exist"
	NewValue            Ref // desired value; deletion means "delete this ref"
	AllowNonFastForward bool

	Code RejectionCode

	// peeled caches the outcome of Dependencies.Peel for this command's
	// NewValue, computed by the concurrent pre-validation fan-out so
	// Write never has to call it again.
	peeled      bool
	peeledValue ObjectID
	peeledIsTag bool
}

func (c *Command) IsCreate() bool {
	return c.OldValue.IsDeletion() && !c.NewValue.IsDeletion()
}

func (c *Command) IsDelete() bool {
	return c.NewValue.IsDeletion()
}

func (c *Command) rejected() bool {
	return c.Code != NotAttempted && c.Code != OK
}

// BatchUpdate runs the validation phases of §4.10 (phases 1-4) and, for
// surviving commands, phase 5 (write). Phase 6 (publish) belongs to the
// stack layer, which alone knows how to swap the new table into place —
// only once that succeeds does a survivor's Code become OK (the resolved
// Open Question: "promoted to OK only once the new table is actually
// written").
type BatchUpdate struct {
	Atomic      bool
	WriteLog    bool
	Message     string
	Deps        Dependencies
	UpdateIndex uint64
}

// peelOne fills in c's cached peel result if Deps.Peel applies and it
// hasn't already been computed. Safe to call concurrently across distinct
// Commands, and safe to call again sequentially as a fallback once the
// fan-out has already populated the cache (the peeled check short-circuits).
func (b *BatchUpdate) peelOne(c *Command) {
	if c.peeled || b.Deps.Peel == nil || c.NewValue.Kind != RefUnpeeled {
		return
	}
	c.peeledValue, c.peeledIsTag = b.Deps.Peel(c.NewValue.Value)
	c.peeled = true
}

// peelCandidates runs Deps.Peel for every not-yet-rejected command
// concurrently, bounded by peelFanoutLimit, ahead of the sequential
// validation phases: peeling an object has no dependency on any other
// command's outcome, so there is nothing to serialize here.
func (b *BatchUpdate) peelCandidates(ctx context.Context, cmds []*Command) error {
	if b.Deps.Peel == nil {
		return nil
	}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(peelFanoutLimit)
	for _, c := range cmds {
		c := c
		if c.rejected() || c.NewValue.Kind != RefUnpeeled {
			continue
		}
		g.Go(func() error {
			b.peelOne(c)
			return nil
		})
	}
	return g.Wait()
}

// Validate runs phases 1-4 against merged, mutating each command's Code in
// place. It returns true if the batch as a whole may proceed to a write
// (phase 5): in atomic mode, that means no command was rejected; in
// best-effort mode, it means at least one command survived.
func (b *BatchUpdate) Validate(ctx context.Context, cmds []*Command, merged *MergedRefReader) (bool, error) {
	if err := b.peelCandidates(ctx, cmds); err != nil {
		return false, err
	}
	if err := b.preValidate(cmds); err != nil {
		return false, err
	}
	if err := b.checkFastForward(cmds); err != nil {
		return false, err
	}
	if err := b.checkExpectedValue(cmds, merged); err != nil {
		return false, err
	}
	if err := b.checkNameConflicts(cmds, merged); err != nil {
		return false, err
	}

	anyRejected := false
	for _, c := range cmds {
		if c.rejected() {
			anyRejected = true
			break
		}
	}
	if b.Atomic && anyRejected {
		for _, c := range cmds {
			if !c.rejected() {
				c.Code = LockFailure
			}
		}
		return false, nil
	}
	survives := false
	for _, c := range cmds {
		if !c.rejected() {
			survives = true
			break
		}
	}
	return survives, nil
}

// preValidate rejects malformed ref names and confirms each non-deletion
// command's new object ID exists in the object store, per phase 1.
func (b *BatchUpdate) preValidate(cmds []*Command) error {
	for _, c := range cmds {
		if c.rejected() {
			continue
		}
		if !ValidateRefName(c.RefName) {
			c.Code = RejectedOtherReason
		}
	}
	if b.Deps.ObjectExists == nil {
		return nil
	}
	for _, c := range cmds {
		if c.rejected() || c.IsDelete() {
			continue
		}
		if c.NewValue.Kind == RefSymbolic {
			continue
		}
		if !b.Deps.ObjectExists(c.NewValue.Value) {
			c.Code = MissingObject
		}
	}
	return nil
}

// checkFastForward rejects history-rewriting updates unless the command
// opted in, per phase 2.
func (b *BatchUpdate) checkFastForward(cmds []*Command) error {
	if b.Deps.IsFastForward == nil {
		return nil
	}
	for _, c := range cmds {
		if c.rejected() || c.AllowNonFastForward {
			continue
		}
		if c.IsCreate() || c.IsDelete() {
			continue
		}
		if c.OldValue.Kind != RefUnpeeled && c.OldValue.Kind != RefPeeled {
			continue
		}
		if c.NewValue.Kind != RefUnpeeled && c.NewValue.Kind != RefPeeled {
			continue
		}
		ok, err := b.Deps.IsFastForward(c.OldValue.Value, c.NewValue.Value)
		if err != nil {
			return err
		}
		if !ok {
			c.Code = RejectedNonFastForward
		}
	}
	return nil
}

// checkExpectedValue rejects a command whose stated OldValue does not
// match the merged view's current value for that name, per phase 3.
func (b *BatchUpdate) checkExpectedValue(cmds []*Command, merged *MergedRefReader) error {
	for _, c := range cmds {
		if c.rejected() {
			continue
		}
		current, ok, err := merged.ResolveRef(c.RefName)
		if err != nil {
			return err
		}
		if !ok {
			current = Ref{Name: c.RefName, Kind: RefDeleted}
		}
		if !refValuesEqual(current, c.OldValue) {
			c.Code = RejectedOtherReason
		}
	}
	return nil
}

func refValuesEqual(a, b Ref) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case RefDeleted:
		return true
	case RefUnpeeled:
		return a.Value == b.Value
	case RefPeeled:
		return a.Value == b.Value && a.PeeledValue == b.PeeledValue
	case RefSymbolic:
		return a.SymTarget == b.SymTarget
	}
	return false
}

// checkNameConflicts rejects creations whose name collides with the
// directory/file duality ref namespaces enforce: no live ref may be both
// an ancestor-prefix segment of, and a leaf alongside, another live ref
// (phase 4), in either direction. The "deleted" set comes from this same
// batch's deletions; the "added" set accumulates left to right as
// creations are approved, so a batch that deletes a name and creates a
// path through it in the same call can succeed, in both directions.
func (b *BatchUpdate) checkNameConflicts(cmds []*Command, merged *MergedRefReader) error {
	ordered := make([]*Command, len(cmds))
	copy(ordered, cmds)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].RefName < ordered[j].RefName })

	deleted := make(map[string]bool)
	for _, c := range ordered {
		if !c.rejected() && c.IsDelete() {
			deleted[c.RefName] = true
		}
	}
	added := make(map[string]bool)

	exists := func(name string) (bool, error) {
		if deleted[name] {
			return false, nil
		}
		if added[name] {
			return true, nil
		}
		_, ok, err := merged.ResolveRef(name)
		return ok, err
	}

	hasDescendant := func(name string) (bool, error) {
		if added[name+"/"] {
			return true, nil
		}
		return merged.AnyLiveRefUnderPrefix(name+"/", func(n string) bool { return deleted[n] })
	}

	for _, c := range ordered {
		if c.rejected() || !c.IsCreate() {
			continue
		}
		conflict, err := nameConflicts(c.RefName, exists, hasDescendant)
		if err != nil {
			return err
		}
		if conflict {
			c.Code = RejectedOtherReason
			continue
		}
		added[c.RefName] = true
		added[c.RefName+"/"] = true
	}
	return nil
}

// nameConflicts reports whether name either has an existing live ref as
// one of its ancestor path segments, or is itself an ancestor path segment
// of an existing live ref.
func nameConflicts(name string, exists func(string) (bool, error), hasDescendant func(string) (bool, error)) (bool, error) {
	segments := strings.Split(name, "/")
	for i := 1; i < len(segments); i++ {
		ancestor := strings.Join(segments[:i], "/")
		ok, err := exists(ancestor)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return hasDescendant(name)
}

// Write emits phase 5: every surviving command's post-image, in name
// order, peeling tags via Deps.Peel, plus (if WriteLog) one reflog entry
// per surviving command at UpdateIndex.
func (b *BatchUpdate) Write(cmds []*Command, w *Writer) error {
	survivors := make([]*Command, 0, len(cmds))
	for _, c := range cmds {
		if !c.rejected() {
			survivors = append(survivors, c)
		}
	}
	sort.Slice(survivors, func(i, j int) bool { return survivors[i].RefName < survivors[j].RefName })

	for _, c := range survivors {
		ref := c.NewValue
		ref.Name = c.RefName
		ref.UpdateIndex = b.UpdateIndex
		b.peelOne(c)
		if ref.Kind == RefUnpeeled && c.peeled && c.peeledIsTag {
			ref.Kind = RefPeeled
			ref.PeeledValue = c.peeledValue
		}
		if err := w.AddRef(ref); err != nil {
			return err
		}
	}
	if !b.WriteLog {
		return nil
	}
	when := time.Time{}
	var author Author
	if b.Deps.Clock != nil {
		when, author = b.Deps.Clock()
	}
	_, offset := when.Zone()
	for _, c := range survivors {
		entry := LogEntry{
			RefName:     c.RefName,
			UpdateIndex: b.UpdateIndex,
			Old:         c.OldValue.Value,
			New:         c.NewValue.Value,
			Name:        author.Name,
			Email:       author.Email,
			Time:        when.Unix(),
			TZOffset:    int16(offset / 60),
			Message:     b.Message,
		}
		if c.IsDelete() {
			entry.Deletion = true
		}
		if err := w.AddLog(entry); err != nil {
			return err
		}
	}
	return nil
}
