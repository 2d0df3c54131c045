package httpstage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/poiesic/stagehand/core"
	"github.com/poiesic/stagehand/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func input(body string) stage.Input {
	in := stage.NewInput("doc-1", "parse", func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	})
	in.ChunkSize = 4096
	return in
}

func TestLogic_StreamsPayload(t *testing.T) {
	var gotBody, gotItem, gotChunk string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		gotItem = r.Header.Get(HeaderItem)
		gotChunk = r.Header.Get(HeaderChunkSize)
		io.WriteString(w, strings.ToUpper(gotBody))
	}))
	defer srv.Close()

	l, err := New(srv.URL, WithClient(srv.Client()))
	require.NoError(t, err)

	out, err := l.Run(context.Background(), input("hello"))
	require.NoError(t, err)
	defer out.Body.(io.Closer).Close()

	var buf bytes.Buffer
	_, err = io.Copy(&buf, out.Body)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", buf.String())
	assert.Equal(t, "hello", gotBody)
	assert.Equal(t, "doc-1", gotItem)
	assert.Equal(t, "4096", gotChunk)
}

func TestLogic_StatusTaxonomy(t *testing.T) {
	tests := []struct {
		status int
		want   core.Category
	}{
		{http.StatusBadRequest, core.CategoryValidation},
		{http.StatusUnprocessableEntity, core.CategoryValidation},
		{http.StatusRequestEntityTooLarge, core.CategoryResourceExhaustion},
		{http.StatusTooManyRequests, core.CategoryRateLimit},
		{http.StatusBadGateway, core.CategoryTransientIO},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "3")
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			l, err := New(srv.URL, WithClient(srv.Client()))
			require.NoError(t, err)
			_, err = l.Run(context.Background(), input("x"))
			require.Error(t, err)
			assert.Equal(t, tt.want, core.CategoryOf(err))

			if tt.want == core.CategoryRateLimit {
				var limited *core.RateLimitError
				require.True(t, errors.As(err, &limited))
				assert.Equal(t, 3*time.Second, limited.RetryAfter)
			}
		})
	}
}

func TestLogic_ContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	l, err := New(srv.URL, WithClient(srv.Client()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Run(ctx, input("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New("::bad")
	assert.ErrorIs(t, err, ErrInvalidURL)
}
