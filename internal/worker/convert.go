package worker

import (
	"strings"

	v1 "github.com/taskrun/taskrun/pkg/api/v1"
	"github.com/taskrun/taskrun/pkg/wire"
)

// The wire protocol uses lowercase snake_case enum strings; the admin API
// uses uppercase. The names are identical modulo case, so the conversions
// are a case flip plus a field-by-field copy for the composite types.

func toAPIWorkerStatus(s wire.WorkerStatus) v1.WorkerStatus {
	return v1.WorkerStatus(strings.ToUpper(string(s)))
}

func toAPIRunStatus(s wire.RunStatus) v1.RunStatus {
	return v1.RunStatus(strings.ToUpper(string(s)))
}

func toAPIEventType(t wire.RunEventType) v1.RunEventType {
	return v1.RunEventType(strings.ToUpper(string(t)))
}

func toAPIChatRole(r wire.ChatRole) v1.ChatRole {
	return v1.ChatRole(strings.ToUpper(string(r)))
}

func toAPIBackend(b *wire.ModelBackend) *v1.ModelBackend {
	if b == nil {
		return nil
	}
	return &v1.ModelBackend{
		Provider:          b.Provider,
		ModelName:         b.ModelName,
		ContextWindow:     b.ContextWindow,
		SupportsStreaming: b.SupportsStreaming,
		Modalities:        append([]string(nil), b.Modalities...),
		Tools:             append([]string(nil), b.Tools...),
		Metadata:          copyStringMap(b.Metadata),
	}
}

func toAPIAgents(agents []wire.AgentSpec) []v1.AgentSpec {
	out := make([]v1.AgentSpec, 0, len(agents))
	for _, a := range agents {
		spec := v1.AgentSpec{Name: a.Name, Description: a.Description}
		for i := range a.Backends {
			spec.Backends = append(spec.Backends, *toAPIBackend(&a.Backends[i]))
		}
		out = append(out, spec)
	}
	return out
}

func toAPIWorkerInfo(info wire.WorkerInfo) v1.WorkerInfo {
	return v1.WorkerInfo{
		WorkerID: info.WorkerID,
		Hostname: info.Hostname,
		Version:  info.Version,
		Agents:   toAPIAgents(info.Agents),
		Labels:   copyStringMap(info.Labels),
	}
}

func toAPIRunEvent(ev wire.RunEvent) v1.RunEvent {
	return v1.RunEvent{
		ID:          ev.ID,
		RunID:       ev.RunID,
		TaskID:      ev.TaskID,
		EventType:   toAPIEventType(ev.EventType),
		TimestampMS: ev.TimestampMS,
		Metadata:    copyStringMap(ev.Metadata),
	}
}

func toAPIChatMessage(msg wire.ChatMessage) v1.ChatMessage {
	return v1.ChatMessage{
		Role:        toAPIChatRole(msg.Role),
		Content:     msg.Content,
		TimestampMS: msg.TimestampMS,
	}
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
