// Package wecom implements the enterprise-chat channel adapter: encrypted
// XML callbacks in, JSON REST sends out. All platform crypto stays inside
// this package; the registry only ever sees parsed messages.
package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/channels"
	"github.com/parley/parley/internal/common/config"
	"github.com/parley/parley/internal/common/logger"
)

const (
	// ChannelName tags this adapter in the registry and in session keys.
	ChannelName = "wecom"

	// tokenRefreshMargin renews the cached access token before the
	// platform expiry so in-flight sends never race it.
	tokenRefreshMargin = 2 * time.Minute

	// dispatchTimeout bounds the background turn started after the
	// synchronous platform acknowledgement.
	dispatchTimeout = 5 * time.Minute
)

// Platform error codes that mean the cached access token is stale.
const (
	codeInvalidToken = 40014
	codeTokenExpired = 42001
)

// Adapter speaks the enterprise-chat callback and REST protocols.
type Adapter struct {
	cfg        config.WeComConfig
	crypto     *cryptor
	httpClient *http.Client
	dispatcher channels.Dispatcher
	log        *logger.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New builds the adapter. An unconfigured adapter is valid (the registry
// skips it in auto mode); a configured one with a malformed AES key is a
// construction error.
func New(cfg config.WeComConfig, dispatcher channels.Dispatcher, log *logger.Logger) (*Adapter, error) {
	a := &Adapter{
		cfg:        cfg,
		dispatcher: dispatcher,
		log:        log.WithFields(zap.String("component", "wecom-adapter")),
		httpClient: &http.Client{Timeout: cfg.SendTimeoutDuration()},
	}
	if a.IsConfigured() {
		crypto, err := newCryptor(cfg.Token, cfg.EncodingAESKey, cfg.CorpID)
		if err != nil {
			return nil, err
		}
		a.crypto = crypto
	}
	return a, nil
}

func (a *Adapter) Channel() string { return ChannelName }

func (a *Adapter) IsConfigured() bool { return Configured(a.cfg) }

// Configured reports whether cfg carries the full credential set. Startup
// wiring uses it to pick the mediation channel before any adapter exists.
func Configured(cfg config.WeComConfig) bool {
	return cfg.CorpID != "" && cfg.Secret != "" && cfg.AgentID != 0 &&
		cfg.Token != "" && cfg.EncodingAESKey != ""
}

func (a *Adapter) RequiredEnv() []string {
	return []string{
		"PARLEY_WECOM_CORP_ID",
		"PARLEY_WECOM_SECRET",
		"PARLEY_WECOM_AGENT_ID",
		"PARLEY_WECOM_TOKEN",
		"PARLEY_WECOM_ENCODING_AES_KEY",
	}
}

// VerifySignature validates a callback. Unconfigured adapters reject
// everything.
func (a *Adapter) VerifySignature(p channels.SignatureParams) bool {
	if a.crypto == nil {
		return false
	}
	return a.crypto.verify(p.Signature, p.Timestamp, p.Nonce, p.Payload)
}

// RegisterRoutes mounts the callback endpoint. The platform sends a GET
// for the URL-verification exchange and POSTs encrypted message
// envelopes afterwards.
func (a *Adapter) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/callback", a.handleVerify)
	rg.POST("/callback", a.handleReceive)
}

// handleVerify answers the echo exchange: validate the signature over the
// echo token, decrypt it, and return the plaintext body.
func (a *Adapter) handleVerify(c *gin.Context) {
	sig := c.Query("msg_signature")
	timestamp := c.Query("timestamp")
	nonce := c.Query("nonce")
	echostr := c.Query("echostr")
	if sig == "" || timestamp == "" || nonce == "" || echostr == "" {
		c.String(http.StatusBadRequest, "missing verification params")
		return
	}
	if !a.VerifySignature(channels.SignatureParams{Signature: sig, Timestamp: timestamp, Nonce: nonce, Payload: echostr}) {
		c.String(http.StatusUnauthorized, "signature mismatch")
		return
	}
	plain, err := a.crypto.decrypt(echostr)
	if err != nil {
		a.log.Warn("echo decrypt failed", zap.Error(err))
		c.String(http.StatusBadRequest, "decrypt failed")
		return
	}
	c.String(http.StatusOK, string(plain))
}

// handleReceive acknowledges the platform synchronously and runs the turn
// in the background; the reply goes out through Send, not this response.
func (a *Adapter) handleReceive(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "read body")
		return
	}
	var env envelope
	if err := xml.Unmarshal(body, &env); err != nil || env.Encrypt == "" {
		c.String(http.StatusBadRequest, "malformed envelope")
		return
	}
	p := channels.SignatureParams{
		Signature: c.Query("msg_signature"),
		Timestamp: c.Query("timestamp"),
		Nonce:     c.Query("nonce"),
		Payload:   env.Encrypt,
	}
	if !a.VerifySignature(p) {
		c.String(http.StatusUnauthorized, "signature mismatch")
		return
	}
	plain, err := a.crypto.decrypt(env.Encrypt)
	if err != nil {
		a.log.Warn("envelope decrypt failed", zap.Error(err))
		c.String(http.StatusBadRequest, "decrypt failed")
		return
	}
	msg, err := a.Parse(plain)
	if err != nil {
		a.log.Warn("message parse failed", zap.Error(err))
		c.String(http.StatusBadRequest, "malformed message")
		return
	}

	c.String(http.StatusOK, "success")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if err := a.dispatcher.Dispatch(ctx, ChannelName, msg); err != nil {
			a.log.Error("background dispatch failed",
				zap.String("user_id", msg.User.UserID),
				zap.String("message_id", msg.MessageID),
				zap.Error(err))
		}
	}()
}

// Send delivers one message. Token staleness is retried transparently;
// transport failures honor the configured retry budget with backoff.
func (a *Adapter) Send(ctx context.Context, userID, content string, kind channels.Kind, opts map[string]string) error {
	payload, err := a.sendPayload(userID, content, kind)
	if err != nil {
		return err
	}
	retries := a.cfg.SendRetries
	if retries < 1 {
		retries = 1
	}
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		lastErr = a.postMessage(ctx, payload)
		if lastErr == nil {
			return nil
		}
		a.log.Warn("send attempt failed",
			zap.String("user_id", userID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return fmt.Errorf("wecom: send to %s after %d attempts: %w", userID, retries, lastErr)
}

// SendBatch uses the platform's multi-receiver form: one call with the
// user ids pipe-joined, failed receivers reported back per user.
func (a *Adapter) SendBatch(ctx context.Context, userIDs []string, content string, kind channels.Kind, opts map[string]string) []error {
	if len(userIDs) == 0 {
		return nil
	}
	payload, err := a.sendPayload(strings.Join(userIDs, "|"), content, kind)
	if err != nil {
		errs := make([]error, len(userIDs))
		for i := range errs {
			errs[i] = err
		}
		return errs
	}
	invalid, err := a.postMessageInvalid(ctx, payload)
	errs := make([]error, len(userIDs))
	if err != nil {
		for i := range errs {
			errs[i] = err
		}
		return errs
	}
	failed := make(map[string]bool)
	for _, id := range strings.Split(invalid, "|") {
		if id != "" {
			failed[id] = true
		}
	}
	for i, id := range userIDs {
		if failed[id] {
			errs[i] = fmt.Errorf("wecom: receiver %s rejected", id)
		}
	}
	return errs
}

func (a *Adapter) sendPayload(toUser, content string, kind channels.Kind) (map[string]any, error) {
	payload := map[string]any{
		"touser":  toUser,
		"agentid": a.cfg.AgentID,
	}
	switch kind {
	case channels.KindText:
		payload["msgtype"] = "text"
		payload["text"] = map[string]string{"content": content}
	case channels.KindMarkdown:
		payload["msgtype"] = "markdown"
		payload["markdown"] = map[string]string{"content": content}
	case channels.KindImage:
		payload["msgtype"] = "image"
		payload["image"] = map[string]string{"media_id": content}
	case channels.KindFile:
		payload["msgtype"] = "file"
		payload["file"] = map[string]string{"media_id": content}
	default:
		return nil, fmt.Errorf("wecom: cannot send kind %q", kind)
	}
	return payload, nil
}

func (a *Adapter) postMessage(ctx context.Context, payload map[string]any) error {
	_, err := a.postMessageInvalid(ctx, payload)
	return err
}

// postMessageInvalid runs one message/send call, refreshing the access
// token once when the platform reports it stale. It returns the
// platform's invalid-user list for batch sends.
func (a *Adapter) postMessageInvalid(ctx context.Context, payload map[string]any) (string, error) {
	var result struct {
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
		InvalidUser string `json:"invaliduser"`
	}
	call := func() error {
		token, err := a.ensureToken(ctx)
		if err != nil {
			return err
		}
		return a.postJSON(ctx, "/message/send?access_token="+url.QueryEscape(token), payload, &result)
	}
	if err := call(); err != nil {
		return "", err
	}
	if result.ErrCode == codeInvalidToken || result.ErrCode == codeTokenExpired {
		a.invalidateToken()
		if err := call(); err != nil {
			return "", err
		}
	}
	if result.ErrCode != 0 {
		return "", fmt.Errorf("wecom: message/send errcode %d: %s", result.ErrCode, result.ErrMsg)
	}
	return result.InvalidUser, nil
}

// UploadMedia pushes a local file to the platform and returns the media
// id usable in image/file sends. mediaType is "image" or "file".
func (a *Adapter) UploadMedia(ctx context.Context, mediaType, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("wecom: open media: %w", err)
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("media", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("wecom: read media: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	token, err := a.ensureToken(ctx)
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/media/upload?access_token=%s&type=%s",
		a.apiBase(), url.QueryEscape(token), url.QueryEscape(mediaType))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("wecom: upload media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
		MediaID string `json:"media_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("wecom: decode upload response: %w", err)
	}
	if result.ErrCode != 0 {
		return "", fmt.Errorf("wecom: media/upload errcode %d: %s", result.ErrCode, result.ErrMsg)
	}
	return result.MediaID, nil
}

// GetUserInfo fetches the directory fragment the platform holds for a
// user.
func (a *Adapter) GetUserInfo(ctx context.Context, userID string) (*channels.UserInfo, error) {
	token, err := a.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	var result struct {
		ErrCode    int    `json:"errcode"`
		ErrMsg     string `json:"errmsg"`
		UserID     string `json:"userid"`
		Name       string `json:"name"`
		Department []int  `json:"department"`
		Mobile     string `json:"mobile"`
		Email      string `json:"email"`
	}
	endpoint := fmt.Sprintf("/user/get?access_token=%s&userid=%s",
		url.QueryEscape(token), url.QueryEscape(userID))
	if err := a.getJSON(ctx, endpoint, &result); err != nil {
		return nil, err
	}
	if result.ErrCode != 0 {
		return nil, fmt.Errorf("wecom: user/get errcode %d: %s", result.ErrCode, result.ErrMsg)
	}
	depts := make([]string, len(result.Department))
	for i, d := range result.Department {
		depts[i] = fmt.Sprintf("%d", d)
	}
	return &channels.UserInfo{
		UserID:     result.UserID,
		Name:       result.Name,
		Department: strings.Join(depts, ","),
		Mobile:     result.Mobile,
		Email:      result.Email,
	}, nil
}

// HandleEvent greets on subscribe and enter events; everything else is
// dropped silently.
func (a *Adapter) HandleEvent(_ context.Context, msg *channels.InboundMessage) (string, error) {
	switch msg.Metadata["event"] {
	case "subscribe", "enter_agent":
		return "Hi! Send me a question and I will find the answer or the right person.", nil
	default:
		return "", nil
	}
}

// ensureToken returns a valid cached access token, fetching a fresh one
// inside the refresh margin.
func (a *Adapter) ensureToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.accessToken != "" && time.Now().Before(a.tokenExpiry.Add(-tokenRefreshMargin)) {
		return a.accessToken, nil
	}
	var result struct {
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	endpoint := fmt.Sprintf("/gettoken?corpid=%s&corpsecret=%s",
		url.QueryEscape(a.cfg.CorpID), url.QueryEscape(a.cfg.Secret))
	if err := a.getJSON(ctx, endpoint, &result); err != nil {
		return "", fmt.Errorf("wecom: fetch access token: %w", err)
	}
	if result.ErrCode != 0 || result.AccessToken == "" {
		return "", fmt.Errorf("wecom: gettoken errcode %d: %s", result.ErrCode, result.ErrMsg)
	}
	a.accessToken = result.AccessToken
	a.tokenExpiry = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	return a.accessToken, nil
}

func (a *Adapter) invalidateToken() {
	a.mu.Lock()
	a.accessToken = ""
	a.mu.Unlock()
}

func (a *Adapter) apiBase() string {
	return strings.TrimRight(a.cfg.APIBase, "/")
}

func (a *Adapter) getJSON(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiBase()+endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wecom: request %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("wecom: %s returned %d: %s", req.URL.Path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

func (a *Adapter) postJSON(ctx context.Context, endpoint string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase()+endpoint, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wecom: request %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("wecom: %s returned %d: %s", req.URL.Path, resp.StatusCode, string(raw))
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
