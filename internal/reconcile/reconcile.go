package reconcile

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"mangapipe/pkg/models"
)

// Reconcile compares a freshly normalized entity against its prior
// persisted state and decides Create, Update or NoOp.
//
//   - no prior state                 -> Create
//   - hashes equal, both stores in   -> NoOp
//   - hashes equal, unconfirmed      -> Update (repair the relational copy)
//   - incoming older than stored     -> NoOp (last-write-wins on the
//     (per upstream updatedAt)          upstream's own timestamp)
//   - otherwise                      -> Update carrying the changed fields
func Reconcile(e models.Entity, prior *models.StoredDoc) (models.Decision, error) {
	newHash, err := Hash(e)
	if err != nil {
		return models.Decision{}, err
	}

	if prior == nil {
		return models.Decision{Op: models.OpCreate, Entity: e, NewHash: newHash}, nil
	}

	d := models.Decision{Entity: e, PrevHash: prior.ContentHash, NewHash: newHash}

	if prior.ContentHash == newHash {
		if prior.Confirmed {
			d.Op = models.OpNoOp
			return d, nil
		}
		// document copy exists but the relational write never landed:
		// repair with the same content
		d.Op = models.OpUpdate
		return d, nil
	}

	// A stale record can show up when the upstream paginates over data
	// another run already ingested a newer version of.
	if prior.Confirmed && !e.ModifiedAt().IsZero() && !prior.UpdatedAt.IsZero() && e.ModifiedAt().Before(prior.UpdatedAt) {
		d.Op = models.OpNoOp
		return d, nil
	}

	changed, err := diffFields(prior.Payload, e)
	if err != nil {
		return models.Decision{}, err
	}
	d.Op = models.OpUpdate
	d.Changed = changed
	return d, nil
}

// diffFields names the top-level fields whose values differ between the
// prior payload and the new entity. The delta keeps write payloads (and
// the run report) minimal.
func diffFields(prior json.RawMessage, e models.Entity) ([]string, error) {
	newPayload, err := Payload(e)
	if err != nil {
		return nil, err
	}

	var oldFields, newFields map[string]any
	if err := json.Unmarshal(prior, &oldFields); err != nil {
		return nil, fmt.Errorf("decode prior payload for %s %s: %w", e.Resource(), e.EntityID(), err)
	}
	if err := json.Unmarshal(newPayload, &newFields); err != nil {
		return nil, fmt.Errorf("decode new payload for %s %s: %w", e.Resource(), e.EntityID(), err)
	}

	changed := make([]string, 0, len(newFields))
	for k, nv := range newFields {
		if ov, ok := oldFields[k]; !ok || !reflect.DeepEqual(ov, nv) {
			changed = append(changed, k)
		}
	}
	for k := range oldFields {
		if _, ok := newFields[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed, nil
}
