package transport

import (
	"net/http"

	"github.com/pitabwire/statusflow/internal/definition"
)

type definitionView struct {
	EntityType  string              `json:"entity_type"`
	Description string              `json:"description,omitempty"`
	Start       string              `json:"start"`
	Statuses    []string            `json:"statuses"`
	Terminal    []string            `json:"terminal"`
	Transitions map[string][]string `json:"transitions"`
}

func handleListDefinitions(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		types := registry.Types()
		views := make([]definitionView, 0, len(types))
		for _, t := range types {
			def, ok := registry.Definition(t)
			if !ok {
				continue
			}
			terminal := def.Terminals()
			if terminal == nil {
				terminal = []string{}
			}
			views = append(views, definitionView{
				EntityType:  def.EntityType,
				Description: def.Description,
				Start:       def.StartStatus,
				Statuses:    def.Statuses,
				Terminal:    terminal,
				Transitions: def.Transitions,
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": views})
	}
}
