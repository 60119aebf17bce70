package npdc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/psync/pkg/errors"
	"github.com/chmdznr/psync/pkg/models"
)

const datasetID = "55d8c50d-24f3-4f2e-92d5-58b099fcab0b"

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/-/auth/authenticate/", r.URL.Path)

		if r.Method == http.MethodDelete {
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusNoContent)
			return
		}

		var req loginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"title":"Unauthorized","detail":"bad credentials"}`)
			return
		}
		fmt.Fprintf(w, `{"id":"acc-1","email":%q,"token":"tok-1"}`, req.Email)
	}))
	defer srv.Close()

	client, err := NewAuthClient(srv.URL + "/-/auth")
	require.NoError(t, err)

	account, err := client.Login(context.Background(), "eds@example.org", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, &Account{ID: "acc-1", Email: "eds@example.org", Token: "tok-1"}, account)
	assert.NoError(t, client.Logout(context.Background(), account))

	_, err = client.Login(context.Background(), "eds@example.org", "wrong")
	var authErr errors.AuthError
	require.True(t, errors.As(err, &authErr))
	var apiErr errors.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "bad credentials")

	_, err = client.Login(context.Background(), "", "")
	assert.True(t, errors.As(err, &authErr))
}

func TestLoginUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := NewAuthClient(url, WithTimeout(time.Second))
	require.NoError(t, err)

	_, err = client.Login(context.Background(), "eds", "pw")
	var authErr errors.AuthError
	assert.True(t, errors.As(err, &authErr))
}

func TestNewClientErrors(t *testing.T) {
	_, err := NewAuthClient("ftp://example.org")
	var configErr errors.ConfigError
	assert.True(t, errors.As(err, &configErr))

	_, err = NewDatasetClient("https://example.org/", nil)
	var authErr errors.AuthError
	assert.True(t, errors.As(err, &authErr))
}

func TestListAttachmentsPages(t *testing.T) {
	total := PageSize + 3
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/dataset/"+datasetID+"/attachment/", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/products/", r.URL.Query().Get("prefix"))
		assert.Equal(t, "as_kng", r.URL.Query().Get("q"))

		skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
		take, _ := strconv.Atoi(r.URL.Query().Get("take"))
		var page attachmentPage
		for i := skip; i < total && i < skip+take; i++ {
			page.Items = append(page.Items, models.Attachment{
				ID:       strconv.Itoa(i),
				Filename: fmt.Sprintf("file-%d.csv", i),
				Prefix:   "/products/",
			})
		}
		require.NoError(t, json.NewEncoder(w).Encode(page))
	}))
	defer srv.Close()

	client, err := NewDatasetClient(srv.URL, &Account{Token: "tok"})
	require.NoError(t, err)

	attachments, err := client.ListAttachments(context.Background(), datasetID,
		AttachmentQuery{Q: "as_kng", Prefix: "/products/"})
	require.NoError(t, err)
	assert.Len(t, attachments, total)
	assert.Equal(t, 2, requests)
	assert.Equal(t, "file-52.csv", attachments[52].Filename)
}

func TestListAttachmentsRepeatedPage(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		var page attachmentPage
		for i := 0; i < PageSize; i++ {
			page.Items = append(page.Items, models.Attachment{ID: strconv.Itoa(i), Filename: "a.csv"})
		}
		require.NoError(t, json.NewEncoder(w).Encode(page))
	}))
	defer srv.Close()

	client, err := NewDatasetClient(srv.URL, &Account{Token: "tok"})
	require.NoError(t, err)

	_, err = client.ListAttachments(context.Background(), datasetID, AttachmentQuery{})
	var apiErr errors.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "list attachments", apiErr.Op)
	assert.Contains(t, apiErr.Error(), "repeats attachment 0")
	assert.Equal(t, 2, requests)
}

func TestListAttachmentsDecodesReleased(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[
			{"id":"1","filename":"a.csv","prefix":"/products/","released":"2024-05-01T10:00:00.000Z","sha256":"abc"},
			{"id":"2","filename":"a.csv","prefix":"/products/","released":null}
		]}`)
	}))
	defer srv.Close()

	client, err := NewDatasetClient(srv.URL, &Account{Token: "tok"})
	require.NoError(t, err)

	attachments, err := client.ListAttachments(context.Background(), datasetID, AttachmentQuery{})
	require.NoError(t, err)
	require.Len(t, attachments, 2)
	assert.True(t, attachments[0].IsReleased())
	assert.Equal(t, "abc", attachments[0].SHA256)
	assert.False(t, attachments[1].IsReleased())
}

func TestUploadAttachment(t *testing.T) {
	released := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var updated AttachmentUpdate

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "/dataset/"+datasetID+"/attachment/", r.URL.Path)
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "/products/", r.FormValue("prefix"))
			assert.Equal(t, "2024-05-01T10:00:00Z", r.FormValue("released"))

			f, header, err := r.FormFile("blob")
			require.NoError(t, err)
			defer f.Close()
			body, _ := io.ReadAll(f)
			assert.Equal(t, "a.csv", header.Filename)
			assert.Equal(t, "x,y\n1,2\n", string(body))

			// The service files new attachments at the root.
			fmt.Fprint(w, `{"id":"new-1","filename":"a.csv","prefix":"/","released":null}`)
		case http.MethodPut:
			assert.Equal(t, "/dataset/"+datasetID+"/attachment/new-1", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&updated))
			fmt.Fprint(w, `{"id":"new-1","filename":"a.csv","prefix":"/products/","released":"2024-05-01T10:00:00Z"}`)
		default:
			t.Errorf("unexpected %s", r.Method)
		}
	}))
	defer srv.Close()

	client, err := NewDatasetClient(srv.URL, &Account{Token: "tok"})
	require.NoError(t, err)

	attachment, err := client.UploadAttachment(context.Background(), datasetID, "/data/products/a.csv",
		strings.NewReader("x,y\n1,2\n"), UploadOptions{Prefix: "/products/", Released: &released})
	require.NoError(t, err)
	assert.Equal(t, "new-1", attachment.ID)
	assert.Equal(t, "/products/", attachment.Prefix)
	assert.True(t, attachment.IsReleased())

	assert.Equal(t, "/products/", updated.Prefix)
	assert.Equal(t, "a.csv", updated.Filename)
	require.NotNil(t, updated.Released)
	assert.True(t, released.Equal(*updated.Released))
}

func TestUploadAttachmentKeepsCreatedOnUpdateFailure(t *testing.T) {
	released := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			require.NoError(t, r.ParseMultipartForm(1<<20))
			fmt.Fprint(w, `{"id":"new-1","filename":"a.csv","prefix":"/","released":null}`)
		case http.MethodPut:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	client, err := NewDatasetClient(srv.URL, &Account{Token: "tok"})
	require.NoError(t, err)

	attachment, err := client.UploadAttachment(context.Background(), datasetID, "a.csv",
		strings.NewReader("x"), UploadOptions{Prefix: "/products/", Released: &released})
	var apiErr errors.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "update attachment", apiErr.Op)
	assert.Equal(t, "new-1", attachment.ID)
	assert.Equal(t, "/", attachment.Prefix)
}

func TestUpdateAndDeleteErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, "boom")
		}
	}))
	defer srv.Close()

	client, err := NewDatasetClient(srv.URL, &Account{Token: "tok"})
	require.NoError(t, err)

	err = client.DeleteAttachment(context.Background(), datasetID, "42")
	var apiErr errors.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "delete attachment", apiErr.Op)

	_, err = client.UpdateAttachment(context.Background(), datasetID, "42", AttachmentUpdate{})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.EqualError(t, apiErr.Err, "boom")
	assert.False(t, errors.IsFatal(err))
}
