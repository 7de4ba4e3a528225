package linking

import "context"

// Hook adapts the engine to the hydration pipeline, which hands over each
// document's extracted text right after storage. Returning the entity count
// lets the pipeline record linking yield on the run.
type Hook struct {
	engine *Engine
}

func NewHook(e *Engine) *Hook {
	return &Hook{engine: e}
}

func (h *Hook) Run(ctx context.Context, workspaceID string, documentID int64, documentName, text string) (int, error) {
	res, err := h.engine.ProcessDocument(ctx, &Document{
		ID:      documentID,
		Name:    documentName,
		Content: text,
		Metadata: map[string]interface{}{
			"workspace_id": workspaceID,
		},
	})
	if err != nil {
		return 0, err
	}
	return len(res.Entities), nil
}
