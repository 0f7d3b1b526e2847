package slotstore

import (
	"fmt"
	"slices"
	"strings"
)

// Slot ids. The set is fixed; [Store.List] enumerates exactly these.
const (
	Slot1        = "slot_1"
	Slot2        = "slot_2"
	Slot3        = "slot_3"
	SlotAutosave = "autosave"

	// SlotDefault holds saves imported from the single-slot layout.
	SlotDefault = "default"
)

// SlotIDs lists every slot id in display order.
var SlotIDs = []string{Slot1, Slot2, Slot3, SlotAutosave, SlotDefault}

// maxComponentLen bounds case and player ids so file names stay portable.
const maxComponentLen = 128

// Key identifies one save slot.
type Key struct {
	CaseID   string
	PlayerID string
	SlotID   string
}

func (k Key) String() string {
	return k.CaseID + "/" + k.PlayerID + "/" + k.SlotID
}

// Validate reports [ErrInvalidKey] for unknown slots and unsafe ids.
func (k Key) Validate() error {
	if !IsSlotID(k.SlotID) {
		return fmt.Errorf("%w: unknown slot %q", ErrInvalidKey, k.SlotID)
	}
	return validateOwner(k.CaseID, k.PlayerID)
}

// IsSlotID reports whether id is one of [SlotIDs].
func IsSlotID(id string) bool {
	return slices.Contains(SlotIDs, id)
}

func validateOwner(caseID, playerID string) error {
	if err := validateComponent("case id", caseID); err != nil {
		return err
	}
	return validateComponent("player id", playerID)
}

// validateComponent accepts ids made of ASCII letters, digits, '-', '_' and
// '.', not starting with '.', so that they are usable as path segments.
func validateComponent(what, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidKey, what)
	}
	if len(id) > maxComponentLen {
		return fmt.Errorf("%w: %s longer than %d bytes", ErrInvalidKey, what, maxComponentLen)
	}
	if strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %s %q starts with a dot", ErrInvalidKey, what, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: %s %q contains %q", ErrInvalidKey, what, id, r)
		}
	}
	return nil
}
