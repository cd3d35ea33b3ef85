package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/LeventeLantos/whatsapp-delivery/internal/model"
)

// ProviderClient sends template messages to a WhatsApp Cloud API style
// endpoint and classifies failures as transient or permanent.
type ProviderClient struct {
	url    string
	token  string
	client *http.Client
}

func NewProviderClient(url, token string, timeout time.Duration) *ProviderClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ProviderClient{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type TemplateMessage struct {
	To       string
	Name     string
	Language string
	Params   []string
}

type sendRequest struct {
	MessagingProduct string          `json:"messaging_product"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Template         templatePayload `json:"template"`
}

type templatePayload struct {
	Name       string              `json:"name"`
	Language   templateLanguage    `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type templateComponent struct {
	Type       string              `json:"type"`
	Parameters []templateParameter `json:"parameters"`
}

type templateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func buildRequest(m TemplateMessage) sendRequest {
	req := sendRequest{
		MessagingProduct: "whatsapp",
		To:               m.To,
		Type:             "template",
		Template: templatePayload{
			Name:     m.Name,
			Language: templateLanguage{Code: m.Language},
		},
	}
	if len(m.Params) > 0 {
		params := make([]templateParameter, 0, len(m.Params))
		for _, p := range m.Params {
			params = append(params, templateParameter{Type: "text", Text: p})
		}
		req.Template.Components = []templateComponent{{Type: "body", Parameters: params}}
	}
	return req
}

// SendTemplate returns the provider message id on acceptance. Errors are
// *model.TransientDispatchError or *model.PermanentDispatchError.
func (c *ProviderClient) SendTemplate(ctx context.Context, m TemplateMessage) (string, error) {
	reqBody, err := json.Marshal(buildRequest(m))
	if err != nil {
		return "", &model.PermanentDispatchError{Code: model.CodeInternal, Message: err.Error(), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", &model.PermanentDispatchError{Code: model.CodeInternal, Message: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusCreated, resp.StatusCode == http.StatusAccepted:
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &model.TransientDispatchError{
			Code:    model.CodeRateLimited,
			Message: fmt.Sprintf("unexpected status code: %d body=%q", resp.StatusCode, string(body)),
		}
	case resp.StatusCode >= 500:
		return "", &model.TransientDispatchError{
			Code:    model.CodeProvider5xx,
			Message: fmt.Sprintf("unexpected status code: %d body=%q", resp.StatusCode, string(body)),
		}
	default:
		return "", rejection(resp.StatusCode, body)
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", &model.PermanentDispatchError{
			Code:    model.CodeInternal,
			Message: fmt.Sprintf("failed to decode json: %v body=%q", err, string(body)),
			Err:     err,
		}
	}
	if len(sr.Messages) == 0 || sr.Messages[0].ID == "" {
		return "", &model.PermanentDispatchError{
			Code:    model.CodeInternal,
			Message: fmt.Sprintf("missing message id in response body=%q", string(body)),
		}
	}

	return sr.Messages[0].ID, nil
}

func rejection(status int, body []byte) error {
	code := model.CodeRejected
	msg := fmt.Sprintf("unexpected status code: %d body=%q", status, string(body))

	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Code != 0 {
		code = strconv.Itoa(er.Error.Code)
		if er.Error.Message != "" {
			msg = er.Error.Message
		}
	}
	return &model.PermanentDispatchError{Code: code, Message: msg}
}

func classifyTransport(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &model.TransientDispatchError{Code: model.CodeTimeout, Message: err.Error(), Err: err}
	}
	return &model.TransientDispatchError{Code: model.CodeNetwork, Message: err.Error(), Err: err}
}
