package handlers

import (
	"fmt"
	"net/http"

	"github.com/deploybot/deploybot/deployment"
	"github.com/deploybot/deploybot/domain"
)

const streamBuffer = 256

// StreamMessage is one Server-Sent Event of a deployment stream
type StreamMessage struct {
	Type    string               `json:"type"` // snapshot, state, progress or done
	Content string               `json:"content,omitempty"`
	State   *deployment.Snapshot `json:"deployment,omitempty"`
}

// SetupSSE configures Server-Sent Events headers
func SetupSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

// DeploymentEvents streams state and progress changes of the deployment
// registered for a target until it reaches a terminal state
func (h *Handlers) DeploymentEvents(w http.ResponseWriter, r *http.Request) {
	withDeployment(h, w, r, func(d *deployment.Deployment) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		messages := make(chan StreamMessage, streamBuffer)
		publish := func(msg StreamMessage) {
			select {
			case messages <- msg:
			default:
				// slow client, drop the event
			}
		}
		unsubscribeState := d.OnState(func(s domain.State) {
			publish(StreamMessage{Type: "state", Content: s.String()})
		})
		defer unsubscribeState()
		unsubscribeProgress := d.OnProgress(func(label string) {
			publish(StreamMessage{Type: "progress", Content: label})
		})
		defer unsubscribeProgress()

		SetupSSE(w)
		if err := StreamEvents(w, flusher, d, messages, r.Context().Done()); err != nil {
			LogOperationError("stream_deployment_events", "handlers", err, "target", d.TargetKey())
		}
	})
}

// StreamEvents writes the current snapshot, then messages until d is done
// or the client goes away
func StreamEvents(w http.ResponseWriter, flusher http.Flusher, d *deployment.Deployment, messages <-chan StreamMessage, gone <-chan struct{}) error {
	write := func(msg StreamMessage) error {
		data, err := sseData(msg)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprint(w, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	snapshot := d.Snapshot()
	if err := write(StreamMessage{Type: "snapshot", State: &snapshot}); err != nil {
		return err
	}

	for {
		select {
		case msg := <-messages:
			if err := write(msg); err != nil {
				return err
			}
		case <-d.Done():
			// terminal notifications are queued before Done is closed
			for {
				select {
				case msg := <-messages:
					if err := write(msg); err != nil {
						return err
					}
				default:
					final := d.Snapshot()
					return write(StreamMessage{Type: "done", Content: final.State.String(), State: &final})
				}
			}
		case <-gone:
			return nil
		}
	}
}
