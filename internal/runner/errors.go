package runner

import (
	"github.com/albertocavalcante/sky/internal/ipc"
	"github.com/albertocavalcante/sky/internal/model"
)

// ToErrorPayload converts the entity model's error shape to the wire
// shape. Both are spec.md §6/§9's canonical {message, stack, value}.
func ToErrorPayload(se *model.SerializedError) *ipc.ErrorPayload {
	if se == nil {
		return nil
	}
	return &ipc.ErrorPayload{Message: se.Message, Stack: se.Stack, Value: se.Value}
}

// FromErrorPayload is ToErrorPayload's inverse, used by the dispatcher
// when decoding a worker's testEnd/done message.
func FromErrorPayload(ep *ipc.ErrorPayload) *model.SerializedError {
	if ep == nil {
		return nil
	}
	return &model.SerializedError{Message: ep.Message, Stack: ep.Stack, Value: ep.Value}
}

// ToAnnotationPayloads and FromAnnotationPayloads translate the
// scheduling core's Annotation slice across the wire.
func ToAnnotationPayloads(anns []model.Annotation) []ipc.AnnotationPayload {
	if len(anns) == 0 {
		return nil
	}
	out := make([]ipc.AnnotationPayload, len(anns))
	for i, a := range anns {
		out[i] = ipc.AnnotationPayload{Type: a.Type, Condition: a.Condition, Reason: a.Reason}
	}
	return out
}

func FromAnnotationPayloads(payloads []ipc.AnnotationPayload) []model.Annotation {
	if len(payloads) == 0 {
		return nil
	}
	out := make([]model.Annotation, len(payloads))
	for i, p := range payloads {
		out[i] = model.Annotation{Type: p.Type, Condition: p.Condition, Reason: p.Reason}
	}
	return out
}
