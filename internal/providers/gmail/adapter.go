package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/khwj/personal-analytics/internal/logger"
	"github.com/khwj/personal-analytics/internal/sync"
)

const defaultUser = "me"

// Adapter implements sync.MailProvider for Gmail
type Adapter struct {
	svc  *gmail.Service
	user string
	cb   *gobreaker.CircuitBreaker
	log  logger.Logger
}

// WatchResponse is the outcome of a watch renewal
type WatchResponse struct {
	HistoryID  string    `json:"historyId"`
	Expiration time.Time `json:"expiration"`
}

// New creates a Gmail adapter. ts may be nil when opts carry their own HTTP client.
func New(ctx context.Context, ts oauth2.TokenSource, log logger.Logger, opts ...option.ClientOption) (*Adapter, error) {
	if ts != nil {
		opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, sync.NewError(sync.KindConfig, "gmail", fmt.Errorf("failed to create Gmail service: %w", err))
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// a missing object is an answer, not an outage
			var gerr *googleapi.Error
			return err == nil || (errors.As(err, &gerr) && gerr.Code == http.StatusNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &Adapter{svc: svc, user: defaultUser, cb: cb, log: log}, nil
}

// ListHistory reads every history page after q.StartHistoryID
func (a *Adapter) ListHistory(ctx context.Context, q sync.HistoryQuery) (*sync.HistoryPage, error) {
	startHistoryID, err := strconv.ParseUint(q.StartHistoryID, 10, 64)
	if err != nil {
		return nil, sync.NewError(sync.KindConfig, "list history", fmt.Errorf("invalid history id %q: %w", q.StartHistoryID, err))
	}

	call := a.svc.Users.History.List(a.user).StartHistoryId(startHistoryID).MaxResults(500)
	if q.LabelID != "" {
		call = call.LabelId(q.LabelID)
	}
	if len(q.HistoryTypes) > 0 {
		call = call.HistoryTypes(q.HistoryTypes...)
	}

	result := &sync.HistoryPage{}
	_, err = a.cb.Execute(func() (interface{}, error) {
		return nil, call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
			if page.HistoryId != 0 {
				result.HistoryID = strconv.FormatUint(page.HistoryId, 10)
			}
			for _, h := range page.History {
				entry := sync.HistoryEntry{ID: strconv.FormatUint(h.Id, 10)}
				for _, m := range h.Messages {
					if m != nil {
						entry.MessageIDs = append(entry.MessageIDs, m.Id)
					}
				}
				result.Entries = append(result.Entries, entry)
			}
			return nil
		})
	})
	if err != nil {
		if isNotFound(err) {
			return nil, wrapError("list history", fmt.Errorf("start history id %s is no longer available, a full resync is required: %w", q.StartHistoryID, err))
		}
		return nil, wrapError("list history", err)
	}

	return result, nil
}

// GetMessage fetches the full message payload
func (a *Adapter) GetMessage(ctx context.Context, id string) (*sync.RawMessage, error) {
	res, err := a.cb.Execute(func() (interface{}, error) {
		return a.svc.Users.Messages.Get(a.user, id).Format("full").Context(ctx).Do()
	})
	if err != nil {
		return nil, wrapError("get message", err)
	}

	m := res.(*gmail.Message)
	return &sync.RawMessage{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		InternalDate: m.InternalDate,
		Payload:      convertPart(m.Payload),
	}, nil
}

// GetAttachment downloads and decodes one attachment
func (a *Adapter) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	res, err := a.cb.Execute(func() (interface{}, error) {
		return a.svc.Users.Messages.Attachments.Get(a.user, messageID, attachmentID).Context(ctx).Do()
	})
	if err != nil {
		return nil, wrapError("get attachment", err)
	}

	body := res.(*gmail.MessagePartBody)
	data, err := DecodeData(body.Data)
	if err != nil {
		return nil, sync.NewError(sync.KindProvider, "decode attachment", err)
	}
	return data, nil
}

// Watch renews push notifications for labelIDs to topic
func (a *Adapter) Watch(ctx context.Context, topic string, labelIDs []string) (*WatchResponse, error) {
	req := &gmail.WatchRequest{
		TopicName:           topic,
		LabelIds:            labelIDs,
		LabelFilterBehavior: "INCLUDE",
	}

	res, err := a.cb.Execute(func() (interface{}, error) {
		return a.svc.Users.Watch(a.user, req).Context(ctx).Do()
	})
	if err != nil {
		return nil, wrapError("watch", err)
	}

	w := res.(*gmail.WatchResponse)
	return &WatchResponse{
		HistoryID:  strconv.FormatUint(w.HistoryId, 10),
		Expiration: time.UnixMilli(w.Expiration),
	}, nil
}

// CurrentHistoryID returns the mailbox's latest history id
func (a *Adapter) CurrentHistoryID(ctx context.Context) (string, error) {
	res, err := a.cb.Execute(func() (interface{}, error) {
		return a.svc.Users.GetProfile(a.user).Context(ctx).Do()
	})
	if err != nil {
		return "", wrapError("get profile", err)
	}
	return strconv.FormatUint(res.(*gmail.Profile).HistoryId, 10), nil
}

// DecodeData decodes base64url attachment data, padded or not
func DecodeData(s string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment data: %w", err)
	}
	return data, nil
}

// convertPart copies the MIME tree without recursion
func convertPart(root *gmail.MessagePart) *sync.Part {
	if root == nil {
		return nil
	}

	type item struct {
		src *gmail.MessagePart
		dst *sync.Part
	}

	out := &sync.Part{}
	stack := []item{{src: root, dst: out}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		it.dst.PartID = it.src.PartId
		it.dst.MimeType = it.src.MimeType
		it.dst.Filename = it.src.Filename
		for _, h := range it.src.Headers {
			if h != nil {
				it.dst.Headers = append(it.dst.Headers, sync.Header{Name: h.Name, Value: h.Value})
			}
		}
		if it.src.Body != nil {
			it.dst.Body = &sync.PartBody{AttachmentID: it.src.Body.AttachmentId, Size: it.src.Body.Size}
		}

		for _, child := range it.src.Parts {
			if child == nil {
				continue
			}
			dst := &sync.Part{}
			it.dst.Parts = append(it.dst.Parts, dst)
			stack = append(stack, item{src: child, dst: dst})
		}
	}
	return out
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// wrapError tags API failures so callers can tell credentials problems from outages
func wrapError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return sync.NewError(sync.KindCredential, op, err)
		default:
			return sync.NewError(sync.KindProvider, op, err)
		}
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return sync.NewError(sync.KindCredential, op, err)
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return sync.NewError(sync.KindProvider, op, fmt.Errorf("gmail api unavailable: %w", err))
	}

	if kind := sync.KindOf(err); kind != sync.KindUnknown {
		return err
	}
	return sync.NewError(sync.KindProvider, op, err)
}
