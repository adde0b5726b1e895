package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// API endpoints and paths.
const (
	APIGenerate = "/generate"
	APIHealth   = "/healthz"
)

// Multipart form field names of the generate endpoint.
const (
	FieldText           = "text"
	FieldReferenceAudio = "reference_audio"
	FieldReferenceText  = "reference_text"
	FieldSpeed          = "speed"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeWAV    = "audio/wav"
)

// Error messages.
const (
	errFmtUnexpectedContentType = "unexpected content type: expected audio/wav, got %s"
	errFmtServiceError          = "TTS service error (%s): %s"
	errFmtServiceNonOKStatus    = "TTS service returned non-OK status: %s, body: %s"
)

var (
	// ErrReferenceMissing indicates a generate request without reference audio.
	ErrReferenceMissing = errors.New("reference audio is required")
	// ErrReceivedEmptyAudio indicates the service answered 200 with no bytes.
	ErrReceivedEmptyAudio = errors.New("received empty audio data")
)

// HTTPClient is a client for the /generate contract served by this service.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// GenerateRequest is one voice cloning request.
type GenerateRequest struct {
	// Text is the target text to speak.
	Text string
	// Reference supplies the reference clip bytes.
	Reference io.Reader
	// ReferenceFilename is the filename reported in the multipart part.
	ReferenceFilename string
	// ReferenceText is the optional transcript of the reference clip.
	ReferenceText string
	// Speed is sent only when non-zero, leaving the server default otherwise.
	Speed float64
}

// ErrorResponse is the JSON body returned with every failed request.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// HealthResponse is the JSON body of the health endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Device      string `json:"device,omitempty"`
}

// NewHTTPClient creates and configures an HTTP client for the service.
// The baseURL should include the protocol and port (e.g., "http://localhost:8000").
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Generate uploads the reference clip and text and returns the WAV bytes.
// The multipart body is streamed through a pipe so large clips are not buffered.
func (c *HTTPClient) Generate(ctx context.Context, req GenerateRequest) ([]byte, error) {
	if req.Reference == nil {
		return nil, ErrReferenceMissing
	}

	bodyReader, bodyWriter := io.Pipe()
	form := multipart.NewWriter(bodyWriter)

	go func() {
		bodyWriter.CloseWithError(writeGenerateForm(form, req))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+APIGenerate, bodyReader)
	if err != nil {
		_ = bodyReader.Close()

		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, form.FormDataContentType())
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to TTS service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get(headerContentType))
	if mediaType != contentTypeWAV {
		return nil, fmt.Errorf(errFmtUnexpectedContentType, resp.Header.Get(headerContentType))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrReceivedEmptyAudio
	}

	return audioData, nil
}

// HealthCheck verifies that the service is running with its model loaded.
func (c *HTTPClient) HealthCheck(ctx context.Context) (HealthResponse, error) {
	var health HealthResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+APIHealth, http.NoBody)
	if err != nil {
		return health, fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return health, fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return health, fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	decodeErr := json.NewDecoder(resp.Body).Decode(&health)
	if decodeErr != nil {
		return health, fmt.Errorf("failed to decode health response: %w", decodeErr)
	}

	return health, nil
}

func writeGenerateForm(form *multipart.Writer, req GenerateRequest) error {
	fields := [][2]string{
		{FieldText, req.Text},
		{FieldReferenceText, req.ReferenceText},
	}

	if req.Speed != 0 {
		fields = append(fields, [2]string{FieldSpeed, strconv.FormatFloat(req.Speed, 'f', -1, 64)})
	}

	for _, field := range fields {
		err := form.WriteField(field[0], field[1])
		if err != nil {
			return fmt.Errorf("failed to write form field %s: %w", field[0], err)
		}
	}

	filename := req.ReferenceFilename
	if filename == "" {
		filename = "reference.wav"
	}

	part, err := form.CreateFormFile(FieldReferenceAudio, filename)
	if err != nil {
		return fmt.Errorf("failed to create reference part: %w", err)
	}

	_, copyErr := io.Copy(part, req.Reference)
	if copyErr != nil {
		return fmt.Errorf("failed to stream reference audio: %w", copyErr)
	}

	return form.Close()
}

// parseErrorResponse decodes the structured {"detail": ...} error body.
// If that fails, it falls back to returning the raw response body.
func parseErrorResponse(resp *http.Response) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf(errFmtServiceNonOKStatus, resp.Status, readErr.Error())
	}

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf(errFmtServiceError, resp.Status, errorResp.Detail)
	}

	return fmt.Errorf(errFmtServiceNonOKStatus, resp.Status, string(body))
}
