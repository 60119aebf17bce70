package npdc

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/chmdznr/psync/pkg/errors"
	"github.com/chmdznr/psync/pkg/models"
)

// PageSize is the number of attachments requested per list call.
const PageSize = 50

// DatasetClient manages the attachments of datasets on behalf of an account.
type DatasetClient struct {
	rest    restClient
	account *Account
}

// NewDatasetClient creates a client for the given dataset entrypoint.
func NewDatasetClient(entrypoint string, account *Account, opts ...Option) (*DatasetClient, error) {
	if account == nil || account.Token == "" {
		return nil, errors.AuthError{Err: errors.New("dataset client requires an authenticated account")}
	}
	rest, err := newRESTClient(entrypoint, opts)
	if err != nil {
		return nil, err
	}
	return &DatasetClient{rest: rest, account: account}, nil
}

// AttachmentQuery filters the attachments returned by ListAttachments.
type AttachmentQuery struct {
	// Q is a free text search over the attachment metadata.
	Q string

	// Prefix restricts the listing to attachments under this prefix.
	Prefix string
}

func (q AttachmentQuery) values(skip, take int) url.Values {
	v := url.Values{}
	if q.Q != "" {
		v.Set("q", q.Q)
	}
	if q.Prefix != "" {
		v.Set("prefix", q.Prefix)
	}
	v.Set("skip", strconv.Itoa(skip))
	v.Set("take", strconv.Itoa(take))
	return v
}

type attachmentPage struct {
	Items []models.Attachment `json:"items"`
}

// UploadOptions holds the metadata sent along with a new attachment.
type UploadOptions struct {
	Prefix      string
	Released    *time.Time
	Title       string
	Description string
}

// AttachmentUpdate is the full set of mutable attachment metadata.
type AttachmentUpdate struct {
	Description string     `json:"description"`
	Filename    string     `json:"filename"`
	Prefix      string     `json:"prefix"`
	Released    *time.Time `json:"released"`
	Title       string     `json:"title"`
}

func attachmentsPath(datasetID string) string {
	return "dataset/" + url.PathEscape(datasetID) + "/attachment/"
}

func attachmentPath(datasetID, id string) string {
	return attachmentsPath(datasetID) + url.PathEscape(id)
}

// maxPages bounds ListAttachments at maxPages*PageSize attachments.
const maxPages = 2000

// ListAttachments returns every attachment of the dataset matching q. It
// follows pages until the service returns a short page. A page that starts
// with an attachment already seen means the service ignores skip, and is an
// error.
func (c *DatasetClient) ListAttachments(ctx context.Context, datasetID string, q AttachmentQuery) ([]models.Attachment, error) {
	var all []models.Attachment
	seen := map[string]bool{}
	for skip, pages := 0, 0; ; pages++ {
		if pages == maxPages {
			return nil, errors.APIError{
				Op:  "list attachments",
				Err: fmt.Errorf("more than %d pages", maxPages),
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.rest.url(attachmentsPath(datasetID), q.values(skip, PageSize)), nil)
		if err != nil {
			return nil, errors.APIError{Op: "list attachments", Err: err}
		}

		var page attachmentPage
		if err := c.rest.do(req, "list attachments", c.account.Token, &page); err != nil {
			return nil, err
		}
		if len(page.Items) > 0 && seen[page.Items[0].ID] {
			return nil, errors.APIError{
				Op:  "list attachments",
				Err: fmt.Errorf("page at skip=%d repeats attachment %s", skip, page.Items[0].ID),
			}
		}
		for _, a := range page.Items {
			seen[a.ID] = true
		}
		all = append(all, page.Items...)

		if len(page.Items) < PageSize {
			return all, nil
		}
		skip += len(page.Items)
	}
}

// UploadAttachment uploads content as a new attachment called filename. If
// the service does not apply the prefix or released date from the form, they
// are set with a follow-up update. When that update fails, the attachment
// created by the upload is returned together with the error.
func (c *DatasetClient) UploadAttachment(ctx context.Context, datasetID, filename string,
	content io.Reader, opts UploadOptions) (models.Attachment, error) {

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadForm(mw, filename, content, opts))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rest.url(attachmentsPath(datasetID), nil), pr)
	if err != nil {
		pr.Close()
		return models.Attachment{}, errors.APIError{Op: "upload attachment", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var created models.Attachment
	if err := c.rest.do(req, "upload attachment", c.account.Token, &created); err != nil {
		pr.Close()
		return models.Attachment{}, err
	}

	if needsMetadataUpdate(created, opts) {
		log.WithFields(log.Fields{
			"attachment": created.ID,
			"file":       filename,
		}).Debug("Applying upload metadata with an update")
		updated, err := c.UpdateAttachment(ctx, datasetID, created.ID, AttachmentUpdate{
			Description: firstNonEmpty(opts.Description, created.Description),
			Filename:    firstNonEmpty(created.Filename, filename),
			Prefix:      firstNonEmpty(opts.Prefix, created.Prefix),
			Released:    opts.Released,
			Title:       firstNonEmpty(opts.Title, created.Title),
		})
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"attachment": created.ID,
				"prefix":     created.Prefix,
				"file":       filename,
			}).Warn("Uploaded attachment is missing its metadata")
			return created, err
		}
		return updated, nil
	}
	return created, nil
}

func writeUploadForm(mw *multipart.Writer, filename string, content io.Reader, opts UploadOptions) error {
	fields := map[string]string{
		"prefix":      opts.Prefix,
		"title":       opts.Title,
		"description": opts.Description,
	}
	if opts.Released != nil {
		fields["released"] = opts.Released.UTC().Format(time.RFC3339)
	}
	for _, key := range []string{"prefix", "title", "description", "released"} {
		if fields[key] == "" {
			continue
		}
		if err := mw.WriteField(key, fields[key]); err != nil {
			return err
		}
	}

	part, err := mw.CreateFormFile("blob", path.Base(filename))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("copy %s: %w", filename, err)
	}
	return mw.Close()
}

func needsMetadataUpdate(created models.Attachment, opts UploadOptions) bool {
	if created.ID == "" {
		return false
	}
	if opts.Prefix != "" && created.Prefix != opts.Prefix {
		return true
	}
	return opts.Released != nil && !created.IsReleased()
}

// UpdateAttachment replaces the metadata of attachment id.
func (c *DatasetClient) UpdateAttachment(ctx context.Context, datasetID, id string, update AttachmentUpdate) (models.Attachment, error) {
	var updated models.Attachment
	err := c.rest.doJSON(ctx, http.MethodPut, attachmentPath(datasetID, id),
		"update attachment", c.account.Token, update, &updated)
	if err != nil {
		return models.Attachment{}, err
	}
	return updated, nil
}

// DeleteAttachment removes attachment id from the dataset.
func (c *DatasetClient) DeleteAttachment(ctx context.Context, datasetID, id string) error {
	return c.rest.doJSON(ctx, http.MethodDelete, attachmentPath(datasetID, id),
		"delete attachment", c.account.Token, nil, nil)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
