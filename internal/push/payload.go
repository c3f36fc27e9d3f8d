// SPDX-License-Identifier: MIT

package push

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/waitline/waitline/internal/queue"
)

// payload is the JSON body handed to the service worker.
type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Kind  string `json:"kind"`
}

// composePayload renders the notification for one push event. For "called"
// the body carries the remaining call window rounded up to whole minutes,
// never less than one.
func composePayload(ev queue.PushEvent, baseURL string, now time.Time) ([]byte, error) {
	p := payload{Kind: string(ev.Kind)}
	switch ev.Kind {
	case queue.PushCalled:
		mins := int64(1)
		if remaining := ev.Deadline - now.UnixMilli(); remaining > 0 {
			mins = (remaining + 59_999) / 60_000
		}
		p.Title = "It's your turn!"
		p.Body = fmt.Sprintf("Head to the host now. You have %d min to check in.", mins)
	case queue.PushPos2:
		p.Title = "Almost there"
		p.Body = "You're #2 in line. Start making your way over."
	case queue.PushPos5:
		p.Title = "Getting close"
		p.Body = "You're #5 in line."
	case queue.PushJoinConfirm:
		p.Title = "You're on the list"
		p.Body = "We'll notify you as your turn gets closer."
	case queue.PushTest:
		p.Title = "Test notification"
		p.Body = "Push notifications are working."
	default:
		return nil, fmt.Errorf("push: unknown kind %q", ev.Kind)
	}
	if baseURL != "" && ev.Code != "" {
		p.URL = strings.TrimSuffix(baseURL, "/") + "/q/" + ev.Code
	}
	return json.Marshal(p)
}
