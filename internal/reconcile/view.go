package reconcile

import (
	"github.com/JakeFAU/instrument-catalog/internal/catalog"
)

// View is the best available value per field across one or more entities.
type View struct {
	NaturalKey string                                   `json:"natural_key"`
	EntityIDs  []string                                 `json:"entity_ids"`
	Fields     map[catalog.FieldPath]catalog.FieldValue `json:"fields"`
	// Origins names the entity each field was taken from.
	Origins map[catalog.FieldPath]string `json:"origins"`
}

// BestView projects each field independently from the highest ranked
// contribution found in the entities' visible values or audit history. It
// never mutates its input.
func (p Precedence) BestView(entities ...catalog.CanonicalEntity) View {
	view := View{
		EntityIDs: make([]string, 0, len(entities)),
		Fields:    make(map[catalog.FieldPath]catalog.FieldValue),
		Origins:   make(map[catalog.FieldPath]string),
	}
	offer := func(entityID string, path catalog.FieldPath, v catalog.FieldValue) {
		cur, ok := view.Fields[path]
		if !ok || p.Better(v, cur) {
			view.Fields[path] = v
			view.Origins[path] = entityID
		}
	}
	for _, e := range entities {
		view.EntityIDs = append(view.EntityIDs, e.ID)
		if view.NaturalKey == "" {
			view.NaturalKey = e.NaturalKey
		}
		for _, path := range e.Paths() {
			if v, ok := e.Field(path); ok {
				offer(e.ID, path, v)
			}
		}
		for _, c := range e.History {
			offer(e.ID, c.Path, c.Value)
		}
	}
	return view
}

// BestView is Precedence.BestView with the reconciler's source priority.
func (r *Reconciler) BestView(entities ...catalog.CanonicalEntity) View {
	return r.precedence.BestView(entities...)
}
