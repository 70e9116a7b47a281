package comm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/srand/grid/pkg/protocol"
	"github.com/srand/grid/pkg/utils"
)

type httpPeerClient struct {
	client *http.Client
}

// NewHttpPeerClient creates a peer client fetching values over HTTP.
// The timeout covers connection establishment and the full
// request/response exchange of one batch.
func NewHttpPeerClient(timeout time.Duration) PeerClient {
	return &httpPeerClient{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (p *httpPeerClient) GetData(ctx context.Context, peer string, keys []string) (*protocol.GetDataResponse, error) {
	body, err := EncodeFrame(&protocol.GetDataRequest{Keys: keys})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://%s/data", peer)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/zstd+json")

	response, err := p.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s from %s", utils.ErrBadRequest, response.Status, peer)
	}

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}

	reply := &protocol.GetDataResponse{}
	if err := DecodeFrame(data, reply); err != nil {
		return nil, err
	}

	return reply, nil
}
