package ai

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
)

// Remediation errors surfaced by the embedding service. Callers translate
// these into user-facing messages.
var (
	ErrNoFaceDetected   = errors.New("no face detected in one or both images")
	ErrIdentityMismatch = errors.New("the faces belong to different people")
)

// FaceEmbeddings holds the two normalized vectors for a registration.
type FaceEmbeddings struct {
	First  []float32
	Second []float32
}

// FaceEmbedder computes face embeddings for a pair of images. When verify is
// set the service also asserts both images depict the same individual.
type FaceEmbedder interface {
	ComputeEmbeddings(ctx context.Context, img1, img2 []byte, verify bool) (FaceEmbeddings, error)
}

// HTTPFaceClient calls the remote face-embedding service.
type HTTPFaceClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPFaceClient constructs a client for the embedding service.
func NewHTTPFaceClient(baseURL, token string, timeout time.Duration) *HTTPFaceClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPFaceClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type faceFilePayload struct {
	Data string `json:"data"`
}

type faceEmbedRequest struct {
	File1    faceFilePayload `json:"file1"`
	File2    faceFilePayload `json:"file2"`
	DoVerify bool            `json:"do_verify"`
}

type faceEmbedResponse struct {
	Embedding1 []float32 `json:"embedding1"`
	Embedding2 []float32 `json:"embedding2"`
	Error      string    `json:"error"`
}

// ComputeEmbeddings sends both images and maps remediation-specific failures
// onto the sentinel errors.
func (c *HTTPFaceClient) ComputeEmbeddings(ctx context.Context, img1, img2 []byte, verify bool) (FaceEmbeddings, error) {
	if c.baseURL == "" {
		return FaceEmbeddings{}, errors.New("embedding service url required")
	}
	reqBody := faceEmbedRequest{
		File1:    faceFilePayload{Data: base64.StdEncoding.EncodeToString(img1)},
		File2:    faceFilePayload{Data: base64.StdEncoding.EncodeToString(img2)},
		DoVerify: verify,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return FaceEmbeddings{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/get-embeddings", bytes.NewReader(body))
	if err != nil {
		return FaceEmbeddings{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("X-Internal-Token", c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FaceEmbeddings{}, fmt.Errorf("embedding service: %w", err)
	}
	defer resp.Body.Close()

	var out faceEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return FaceEmbeddings{}, fmt.Errorf("embedding service: decode response: %w", err)
	}
	if resp.StatusCode >= 400 || out.Error != "" {
		return FaceEmbeddings{}, classifyFaceError(out.Error, resp.StatusCode)
	}
	if len(out.Embedding1) == 0 || len(out.Embedding2) == 0 {
		return FaceEmbeddings{}, errors.New("embedding service returned incomplete embeddings")
	}
	return FaceEmbeddings{First: out.Embedding1, Second: out.Embedding2}, nil
}

func classifyFaceError(msg string, status int) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no face"):
		return ErrNoFaceDetected
	case strings.Contains(lower, "different people"):
		return ErrIdentityMismatch
	case msg != "":
		return fmt.Errorf("embedding service error: %s", msg)
	default:
		return fmt.Errorf("embedding service error: status %d", status)
	}
}
