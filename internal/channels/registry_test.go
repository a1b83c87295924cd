package channels

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley/parley/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeAdapter records sends and lets tests flip configuration state.
type fakeAdapter struct {
	name       string
	configured bool
	env        []string
	sendErr    error

	sent      []string
	sentKinds []Kind
	events    int
}

func (f *fakeAdapter) Channel() string        { return f.name }
func (f *fakeAdapter) IsConfigured() bool     { return f.configured }
func (f *fakeAdapter) RequiredEnv() []string  { return f.env }
func (f *fakeAdapter) VerifySignature(SignatureParams) bool { return true }

func (f *fakeAdapter) Parse(raw []byte) (*InboundMessage, error) {
	return &InboundMessage{
		MessageID: "m1",
		User:      User{UserID: "u1", Channel: f.name},
		Content:   string(raw),
		Kind:      KindText,
		Timestamp: time.Now(),
	}, nil
}

func (f *fakeAdapter) Send(_ context.Context, userID, content string, kind Kind, _ map[string]string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, fmt.Sprintf("%s:%s", userID, content))
	f.sentKinds = append(f.sentKinds, kind)
	return nil
}

func (f *fakeAdapter) SendBatch(ctx context.Context, userIDs []string, content string, kind Kind, opts map[string]string) []error {
	return FanOut(ctx, f, userIDs, content, kind, opts)
}

func (f *fakeAdapter) GetUserInfo(_ context.Context, userID string) (*UserInfo, error) {
	return &UserInfo{UserID: userID, Name: "Fake " + userID}, nil
}

func (f *fakeAdapter) HandleEvent(_ context.Context, _ *InboundMessage) (string, error) {
	f.events++
	return "welcome", nil
}

func (f *fakeAdapter) RegisterRoutes(_ *gin.RouterGroup) {}

func echoHandler() Handler {
	return HandlerFunc(func(_ context.Context, msg *InboundMessage) (string, error) {
		return "reply to " + msg.Content, nil
	})
}

func TestRegistryAutoSkipsUnconfigured(t *testing.T) {
	r := NewRegistry(echoHandler(), newTestLogger(t))
	a := &fakeAdapter{name: "wecom", configured: false, env: []string{"PARLEY_TEST_WECOM_SECRET"}}

	require.NoError(t, r.Register(a, ModeAuto))
	assert.Empty(t, r.Channels())

	_, err := r.Get("wecom")
	require.ErrorIs(t, err, ErrUnknownChannel)
}

func TestRegistryEnabledUnconfiguredFailsStartup(t *testing.T) {
	r := NewRegistry(echoHandler(), newTestLogger(t))
	a := &fakeAdapter{name: "wecom", configured: false, env: []string{"PARLEY_TEST_WECOM_CORP_ID", "PARLEY_TEST_WECOM_SECRET"}}

	err := r.Register(a, ModeEnabled)
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.Contains(t, err.Error(), "PARLEY_TEST_WECOM_CORP_ID")
	assert.Contains(t, err.Error(), "PARLEY_TEST_WECOM_SECRET")
}

func TestRegistryDisabledSkipsConfigured(t *testing.T) {
	r := NewRegistry(echoHandler(), newTestLogger(t))
	a := &fakeAdapter{name: "webchat", configured: true}

	require.NoError(t, r.Register(a, ModeDisabled))
	assert.Empty(t, r.Channels())
}

func TestRegistryRejectsDuplicateAndUnknownMode(t *testing.T) {
	r := NewRegistry(echoHandler(), newTestLogger(t))
	a := &fakeAdapter{name: "webchat", configured: true}

	require.NoError(t, r.Register(a, ModeAuto))
	require.Error(t, r.Register(a, ModeAuto))
	require.Error(t, r.Register(&fakeAdapter{name: "other", configured: true}, "sometimes"))
}

func TestRegistryDispatchSendsHandlerReply(t *testing.T) {
	r := NewRegistry(echoHandler(), newTestLogger(t))
	a := &fakeAdapter{name: "webchat", configured: true}
	require.NoError(t, r.Register(a, ModeEnabled))

	msg := &InboundMessage{
		MessageID: "m1",
		User:      User{UserID: "emp042", Channel: "webchat"},
		Content:   "how do I reset my password?",
		Kind:      KindText,
	}
	require.NoError(t, r.Dispatch(context.Background(), "webchat", msg))

	require.Len(t, a.sent, 1)
	assert.Equal(t, "emp042:reply to how do I reset my password?", a.sent[0])
	assert.Equal(t, KindMarkdown, a.sentKinds[0])
}

func TestRegistryDispatchUnknownChannel(t *testing.T) {
	r := NewRegistry(echoHandler(), newTestLogger(t))

	err := r.Dispatch(context.Background(), "telegraph", &InboundMessage{Kind: KindText})
	require.ErrorIs(t, err, ErrUnknownChannel)
}

func TestRegistryDispatchSurfacesSendFailure(t *testing.T) {
	r := NewRegistry(echoHandler(), newTestLogger(t))
	a := &fakeAdapter{name: "webchat", configured: true, sendErr: errors.New("boom")}
	require.NoError(t, r.Register(a, ModeEnabled))

	msg := &InboundMessage{User: User{UserID: "emp042"}, Content: "hi", Kind: KindText}
	err := r.Dispatch(context.Background(), "webchat", msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRegistryDispatchRoutesEvents(t *testing.T) {
	r := NewRegistry(echoHandler(), newTestLogger(t))
	a := &fakeAdapter{name: "wecom", configured: true}
	require.NoError(t, r.Register(a, ModeEnabled))

	msg := &InboundMessage{User: User{UserID: "emp042"}, Kind: KindEvent, Metadata: map[string]string{"event": "subscribe"}}
	require.NoError(t, r.Dispatch(context.Background(), "wecom", msg))

	assert.Equal(t, 1, a.events)
	require.Len(t, a.sent, 1)
	assert.Equal(t, "emp042:welcome", a.sent[0])
	assert.Equal(t, KindText, a.sentKinds[0])
}

func TestRegistrySkipsEmptyReply(t *testing.T) {
	quiet := HandlerFunc(func(_ context.Context, _ *InboundMessage) (string, error) { return "", nil })
	r := NewRegistry(quiet, newTestLogger(t))
	a := &fakeAdapter{name: "webchat", configured: true}
	require.NoError(t, r.Register(a, ModeEnabled))

	require.NoError(t, r.Dispatch(context.Background(), "webchat", &InboundMessage{User: User{UserID: "u"}, Kind: KindText}))
	assert.Empty(t, a.sent)
}

func TestRegistryPushProactiveMessage(t *testing.T) {
	r := NewRegistry(echoHandler(), newTestLogger(t))
	a := &fakeAdapter{name: "wecom", configured: true}
	require.NoError(t, r.Register(a, ModeEnabled))

	require.NoError(t, r.Push(context.Background(), "wecom", "exp001", "a question for you", KindMarkdown))
	require.Len(t, a.sent, 1)
	assert.Equal(t, "exp001:a question for you", a.sent[0])
	assert.Equal(t, KindMarkdown, a.sentKinds[0])

	err := r.Push(context.Background(), "telegraph", "exp001", "hello", KindText)
	require.ErrorIs(t, err, ErrUnknownChannel)
}

func TestFanOutCollectsPerUserErrors(t *testing.T) {
	a := &fakeAdapter{name: "webchat", configured: true}
	errs := FanOut(context.Background(), a, []string{"u1", "u2"}, "hello", KindText, nil)
	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Len(t, a.sent, 2)
}
