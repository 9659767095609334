package mailbox

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commandcenter/internal/jmap"
	"commandcenter/pkg/circuitbreaker"
)

type fakeAPI struct {
	archived   []string
	keywords   map[string]string
	archiveErr error
	keywordErr error
}

func (f *fakeAPI) ArchiveEmail(_ context.Context, id string) error {
	if f.archiveErr != nil {
		return f.archiveErr
	}
	f.archived = append(f.archived, id)
	return nil
}

func (f *fakeAPI) AddKeyword(_ context.Context, id, kw string) error {
	if f.keywordErr != nil {
		return f.keywordErr
	}
	if f.keywords == nil {
		f.keywords = map[string]string{}
	}
	f.keywords[id] = kw
	return nil
}

func (f *fakeAPI) MarkAsRead(_ context.Context, ids []string) (jmap.UpdateResult, error) {
	return jmap.UpdateResult{Updated: len(ids)}, nil
}

func (f *fakeAPI) DownloadBlob(_ context.Context, blobID, name, ct string) (*jmap.Blob, error) {
	return &jmap.Blob{Body: io.NopCloser(strings.NewReader(blobID)), ContentType: ct, Filename: name}, nil
}

func TestProvider_ArchiveStampsKeyword(t *testing.T) {
	api := &fakeAPI{}
	p := NewProvider(api, nil)

	require.NoError(t, p.Archive(context.Background(), "m1"))
	assert.Equal(t, []string{"m1"}, api.archived)
	assert.Equal(t, jmap.KeywordCRMDone, api.keywords["m1"])
}

func TestProvider_StampFailureIsNotFatal(t *testing.T) {
	api := &fakeAPI{keywordErr: errors.New("stamp failed")}
	p := NewProvider(api, nil)

	require.NoError(t, p.Archive(context.Background(), "m1"))
	assert.Equal(t, []string{"m1"}, api.archived)
}

func TestProvider_BreakerOpensOnProviderFailures(t *testing.T) {
	api := &fakeAPI{archiveErr: errors.New("503")}
	p := NewProvider(api, nil)

	for i := 0; i < 5; i++ {
		assert.Error(t, p.Archive(context.Background(), "m1"))
	}
	assert.Equal(t, circuitbreaker.StateOpen, p.State())
	assert.ErrorIs(t, p.Archive(context.Background(), "m1"), circuitbreaker.ErrCircuitBreakerOpen)
}

func TestProvider_NotFoundDoesNotTripBreaker(t *testing.T) {
	api := &fakeAPI{archiveErr: jmap.ErrNotFound}
	p := NewProvider(api, nil)

	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, p.Archive(context.Background(), "gone"), jmap.ErrNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, p.State())
}

func TestProvider_MarkAsReadAndDownload(t *testing.T) {
	p := NewProvider(&fakeAPI{}, nil)

	res, err := p.MarkAsRead(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)

	blob, err := p.Download(context.Background(), "blob1", "a.pdf", "application/pdf")
	require.NoError(t, err)
	body, _ := io.ReadAll(blob.Body)
	assert.Equal(t, "blob1", string(body))
}
