package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/khwj/personal-analytics/internal/auth"
	"github.com/khwj/personal-analytics/internal/logger"
	"github.com/khwj/personal-analytics/internal/sync"
)

const (
	defaultFolder = "inbox"
	removedKey    = "@removed"
)

// TokenSource supplies Graph access tokens
type TokenSource interface {
	GetToken(ctx context.Context, userJWT string, provider auth.Provider) (*auth.Token, error)
}

// Adapter implements sync.MailProvider over Microsoft Graph.
// The watermark is the delta link of the mail folder; the label is the folder id.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	user   string
	log    logger.Logger
}

// New creates an Outlook adapter whose tokens come from the auth broker on demand
func New(tokens TokenSource, userJWT, user string, log logger.Logger) (*Adapter, error) {
	cred := &brokerCredential{tokens: tokens, userJWT: userJWT}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, sync.NewError(sync.KindConfig, "outlook", fmt.Errorf("failed to create Graph client: %w", err))
	}

	if user == "" {
		user = "me"
	}
	return &Adapter{client: client, user: user, log: log}, nil
}

// ListHistory follows the folder delta from q.StartHistoryID (a delta link) to the next delta link
func (a *Adapter) ListHistory(ctx context.Context, q sync.HistoryQuery) (*sync.HistoryPage, error) {
	if !strings.HasPrefix(q.StartHistoryID, "https://") {
		return nil, sync.NewError(sync.KindConfig, "list history", fmt.Errorf("watermark is not a delta link: %q", q.StartHistoryID))
	}

	page := &sync.HistoryPage{}
	link := q.StartHistoryID
	for link != "" {
		resp, err := users.NewItemMailFoldersItemMessagesDeltaRequestBuilder(link, a.client.GetAdapter()).
			GetAsDeltaGetResponse(ctx, nil)
		if err != nil {
			return nil, wrapError("list history", err)
		}

		entry := sync.HistoryEntry{}
		for _, m := range resp.GetValue() {
			if m == nil || m.GetId() == nil {
				continue
			}
			if _, removed := m.GetAdditionalData()[removedKey]; removed {
				continue
			}
			entry.MessageIDs = append(entry.MessageIDs, *m.GetId())
		}
		if len(entry.MessageIDs) > 0 {
			page.Entries = append(page.Entries, entry)
		}

		link = deref(resp.GetOdataNextLink())
		if delta := deref(resp.GetOdataDeltaLink()); delta != "" {
			page.HistoryID = delta
		}
	}

	if page.HistoryID == "" {
		page.HistoryID = q.StartHistoryID
	}
	return page, nil
}

// CurrentHistoryID walks the folder delta without processing and returns the final delta link
func (a *Adapter) CurrentHistoryID(ctx context.Context, folder string) (string, error) {
	if folder == "" {
		folder = defaultFolder
	}

	resp, err := a.client.Users().ByUserId(a.user).MailFolders().ByMailFolderId(folder).Messages().Delta().
		GetAsDeltaGetResponse(ctx, nil)
	for {
		if err != nil {
			return "", wrapError("initial delta", err)
		}
		if delta := deref(resp.GetOdataDeltaLink()); delta != "" {
			return delta, nil
		}
		next := deref(resp.GetOdataNextLink())
		if next == "" {
			return "", sync.NewError(sync.KindProvider, "initial delta", errors.New("delta response carried no link"))
		}
		resp, err = users.NewItemMailFoldersItemMessagesDeltaRequestBuilder(next, a.client.GetAdapter()).
			GetAsDeltaGetResponse(ctx, nil)
	}
}

// GetMessage returns the message with a flat part list, one part per file attachment
func (a *Adapter) GetMessage(ctx context.Context, id string) (*sync.RawMessage, error) {
	item := a.client.Users().ByUserId(a.user).Messages().ByMessageId(id)

	m, err := item.Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "conversationId", "subject", "from", "receivedDateTime", "hasAttachments"},
		},
	})
	if err != nil {
		return nil, wrapError("get message", err)
	}

	payload := &sync.Part{MimeType: "multipart/mixed"}
	if subject := m.GetSubject(); subject != nil {
		payload.Headers = append(payload.Headers, sync.Header{Name: "Subject", Value: *subject})
	}
	if from := formatFrom(m.GetFrom()); from != "" {
		payload.Headers = append(payload.Headers, sync.Header{Name: "From", Value: from})
	}

	raw := &sync.RawMessage{ID: id, ThreadID: deref(m.GetConversationId()), Payload: payload}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		raw.InternalDate = rcvd.UnixMilli()
	}

	if has := m.GetHasAttachments(); has == nil || !*has {
		return raw, nil
	}

	atts, err := item.Attachments().Get(ctx, &users.ItemMessagesItemAttachmentsRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesItemAttachmentsRequestBuilderGetQueryParameters{
			Select: []string{"id", "name", "contentType", "size"},
		},
	})
	if err != nil {
		return nil, wrapError("list attachments", err)
	}

	for _, att := range atts.GetValue() {
		if att == nil || att.GetId() == nil {
			continue
		}
		if odataType := deref(att.GetOdataType()); odataType != "" && odataType != "#microsoft.graph.fileAttachment" {
			// item and reference attachments carry no bytes
			continue
		}
		part := &sync.Part{
			Filename: deref(att.GetName()),
			MimeType: deref(att.GetContentType()),
			Body:     &sync.PartBody{AttachmentID: *att.GetId()},
		}
		if size := att.GetSize(); size != nil {
			part.Body.Size = int64(*size)
		}
		payload.Parts = append(payload.Parts, part)
	}

	return raw, nil
}

// GetAttachment downloads one file attachment
func (a *Adapter) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	att, err := a.client.Users().ByUserId(a.user).Messages().ByMessageId(messageID).
		Attachments().ByAttachmentId(attachmentID).Get(ctx, nil)
	if err != nil {
		return nil, wrapError("get attachment", err)
	}

	file, ok := att.(models.FileAttachmentable)
	if !ok {
		return nil, sync.NewError(sync.KindProvider, "get attachment", fmt.Errorf("attachment %s is not a file attachment", attachmentID))
	}
	return file.GetContentBytes(), nil
}

func formatFrom(r models.Recipientable) string {
	if r == nil || r.GetEmailAddress() == nil {
		return ""
	}
	addr := deref(r.GetEmailAddress().GetAddress())
	name := deref(r.GetEmailAddress().GetName())
	if name == "" || addr == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", name, addr)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func wrapError(op string, err error) error {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		switch odataErr.ResponseStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return sync.NewError(sync.KindCredential, op, err)
		}
		return sync.NewError(sync.KindProvider, op, err)
	}
	if kind := sync.KindOf(err); kind != sync.KindUnknown {
		return err
	}
	return sync.NewError(sync.KindProvider, op, err)
}

// brokerCredential implements azcore.TokenCredential by asking the auth broker for a fresh token
type brokerCredential struct {
	tokens  TokenSource
	userJWT string
}

func (c *brokerCredential) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.tokens.GetToken(ctx, c.userJWT, auth.ProviderMicrosoft)
	if err != nil {
		return azcore.AccessToken{}, sync.NewError(sync.KindCredential, "outlook token", err)
	}

	expires := tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(5 * time.Minute)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expires}, nil
}
