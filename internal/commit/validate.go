package commit

import (
	"fmt"

	"empi/internal/store"
)

type memberRef struct {
	ID   int64
	UUID string
}

// requestState is the validated view of a commit request against the
// potential match's current membership closure.
type requestState struct {
	currentPerson map[int64]int64
	memberPersons map[int64]memberRef
}

// validateRequest checks a reviewer decision against the match closure: every
// record held by the match's persons must land in exactly one update, updates
// must reference persons and records inside the closure, and shape rules for
// new versus existing persons must hold.
func validateRequest(req Request, members []*store.PotentialMatchMember) (*requestState, error) {
	if len(req.Updates) == 0 {
		return nil, fmt.Errorf("%w: commit requires at least one person update", store.ErrValidation)
	}

	state := &requestState{
		currentPerson: make(map[int64]int64),
		memberPersons: make(map[int64]memberRef),
	}
	memberUUIDs := make(map[string]bool)
	for _, member := range members {
		state.currentPerson[member.RecordID] = member.PersonID
		state.memberPersons[member.PersonID] = memberRef{ID: member.PersonID, UUID: member.PersonUUID}
		memberUUIDs[member.PersonUUID] = true
	}

	seenUUIDs := make(map[string]bool)
	placed := make(map[int64]bool)
	for i, update := range req.Updates {
		if update.UUID == "" {
			if update.Version != nil {
				return nil, fmt.Errorf("%w: update %d: new person must not carry a version", store.ErrValidation, i)
			}
		} else {
			if update.Version == nil {
				return nil, fmt.Errorf("%w: update %d: existing person %s requires a version", store.ErrValidation, i, update.UUID)
			}
			if !memberUUIDs[update.UUID] {
				return nil, fmt.Errorf("%w: update %d: person %s is not part of the potential match", store.ErrValidation, i, update.UUID)
			}
			if seenUUIDs[update.UUID] {
				return nil, fmt.Errorf("%w: person %s appears in more than one update", store.ErrValidation, update.UUID)
			}
			seenUUIDs[update.UUID] = true
		}

		for _, recordID := range update.RecordIDs {
			if _, ok := state.currentPerson[recordID]; !ok {
				return nil, fmt.Errorf("%w: record %d is not part of the potential match", store.ErrValidation, recordID)
			}
			if placed[recordID] {
				return nil, fmt.Errorf("%w: record %d appears in more than one update", store.ErrValidation, recordID)
			}
			placed[recordID] = true
		}
	}

	// Records cannot be orphaned: everything the match's persons hold must
	// be placed somewhere.
	for recordID := range state.currentPerson {
		if !placed[recordID] {
			return nil, fmt.Errorf("%w: record %d is left unassigned by the updates", store.ErrValidation, recordID)
		}
	}

	for _, comment := range req.Comments {
		if _, ok := state.currentPerson[comment.RecordID]; !ok {
			return nil, fmt.Errorf("%w: comment references record %d outside the potential match", store.ErrValidation, comment.RecordID)
		}
	}
	return state, nil
}
