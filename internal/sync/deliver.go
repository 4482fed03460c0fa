// Package sync drains the offline action queue against the remote API.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/festivo/internal/errors"
	"github.com/kimhsiao/festivo/internal/models"
)

// Deliverer submits a queued action to the remote collaborator. The sync
// manager only cares about success or failure; URL shapes, verbs, and
// response bodies are the deliverer's business.
type Deliverer interface {
	Deliver(ctx context.Context, action *models.QueuedAction, authToken string) error
}

// DeliveryError is a failed remote submission, either transport-level or an
// application-level rejection. Both consume retry budget the same way.
type DeliveryError struct {
	Kind       models.ActionKind
	StatusCode int // 0 for transport errors
	Err        error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery of %s rejected with status %d", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("delivery of %s failed: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying transport error, if any.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// HTTPDeliverer resolves action kinds to REST endpoints on the Festivo API
// and POSTs their payloads.
type HTTPDeliverer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDeliverer creates a deliverer against the given API base URL.
// Every delivery call is bounded by the client timeout; a timeout counts as
// an ordinary delivery failure.
func NewHTTPDeliverer(baseURL string, timeout time.Duration) *HTTPDeliverer {
	return &HTTPDeliverer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// routeKey pulls a routing id (story id, user id, ...) out of the payload.
// The resolver is the only place the core looks inside a payload, and only
// at the keys that name the target resource.
func routeKey(payload json.RawMessage, key string) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", fmt.Errorf("payload is not an object: %w", err)
	}
	raw, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("payload missing %q", key)
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", fmt.Errorf("payload %q is not a string: %w", key, err)
	}
	return value, nil
}

// resolve maps an action kind to method and URL. An unknown kind, or a
// payload missing its routing key, is a configuration error: retrying
// cannot help, so the action is retired without consuming retry budget.
func (d *HTTPDeliverer) resolve(action *models.QueuedAction) (method, url string, err error) {
	switch action.Kind {
	case models.ActionLike:
		storyID, err := routeKey(action.Payload, "storyId")
		if err != nil {
			return "", "", apperrors.Wrap(apperrors.ErrConfiguration, "cannot route like action", err)
		}
		return http.MethodPost, fmt.Sprintf("%s/stories/%s/like", d.baseURL, storyID), nil

	case models.ActionComment:
		storyID, err := routeKey(action.Payload, "storyId")
		if err != nil {
			return "", "", apperrors.Wrap(apperrors.ErrConfiguration, "cannot route comment action", err)
		}
		return http.MethodPost, fmt.Sprintf("%s/stories/%s/comment", d.baseURL, storyID), nil

	case models.ActionStory:
		return http.MethodPost, d.baseURL + "/stories", nil

	case models.ActionFollow:
		userID, err := routeKey(action.Payload, "userId")
		if err != nil {
			return "", "", apperrors.Wrap(apperrors.ErrConfiguration, "cannot route follow action", err)
		}
		return http.MethodPost, fmt.Sprintf("%s/users/%s/follow", d.baseURL, userID), nil

	case models.ActionCommunityPost:
		communityID, err := routeKey(action.Payload, "communityId")
		if err != nil {
			return "", "", apperrors.Wrap(apperrors.ErrConfiguration, "cannot route community post", err)
		}
		return http.MethodPost, fmt.Sprintf("%s/communities/%s/posts", d.baseURL, communityID), nil

	default:
		return "", "", apperrors.New(apperrors.ErrConfiguration,
			fmt.Sprintf("no endpoint registered for action kind %q", action.Kind))
	}
}

// Deliver submits the action's payload to its resolved endpoint.
func (d *HTTPDeliverer) Deliver(ctx context.Context, action *models.QueuedAction, authToken string) error {
	method, url, err := d.resolve(action)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(action.Payload))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConfiguration, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &DeliveryError{Kind: action.Kind, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// 4xx and 5xx consume retry budget alike; the server's class of
		// failure is not inspected here.
		return &DeliveryError{Kind: action.Kind, StatusCode: resp.StatusCode}
	}
	return nil
}
