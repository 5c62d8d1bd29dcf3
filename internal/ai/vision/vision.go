package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kiliankoe/promptchain/internal/ai"
	"github.com/kiliankoe/promptchain/internal/game"
)

// Client calls an image embedding service that scores candidates against a
// reference image with cosine similarity.
type Client struct {
	BaseURL string
	images  ai.Images
	http    *http.Client
}

func New(baseURL string, images ai.Images) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8090"
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), images: images, http: &http.Client{Timeout: 60 * time.Second}}
}

func (c *Client) Similarity(ctx context.Context, ref, candidate game.ImageRef) (float64, error) {
	scores, err := c.Similarities(ctx, ref, []game.ImageRef{candidate})
	if err != nil {
		return 0, err
	}
	if len(scores) == 0 {
		return 0, errors.New("vision returned no score")
	}
	return scores[0], nil
}

func (c *Client) Similarities(ctx context.Context, ref game.ImageRef, candidates []game.ImageRef) ([]float64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	refData, err := c.encode(ctx, ref)
	if err != nil {
		return nil, err
	}
	encoded := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		s, err := c.encode(ctx, cand)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, s)
	}
	payload := map[string]any{
		"reference":  refData,
		"candidates": encoded,
	}
	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/similarity", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("vision status %d", resp.StatusCode)
	}
	var out struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Scores, nil
}

func (c *Client) encode(ctx context.Context, ref game.ImageRef) (string, error) {
	b, err := c.images.Load(ctx, ref)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
