package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/textproto"
	"testing"
	"time"

	"github.com/smukkama/telemetry-alerts/internal/models"
	"github.com/smukkama/telemetry-alerts/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name       string
	configured bool
	err        error
	sent       []*EmailRequest
}

func (f *fakeProvider) Name() string     { return f.name }
func (f *fakeProvider) Configured() bool { return f.configured }

func (f *fakeProvider) Send(ctx context.Context, req *EmailRequest) error {
	f.sent = append(f.sent, req)
	return f.err
}

func asRejection(t *testing.T, err error) *Rejection {
	t.Helper()
	var rej *Rejection
	require.True(t, errors.As(err, &rej), "expected rejection, got %v", err)
	return rej
}

func TestEmailAdapter_FallsBackToNextProvider(t *testing.T) {
	primary := &fakeProvider{name: "ses", configured: true, err: errors.New("connection reset")}
	fallback := &fakeProvider{name: "resend", configured: true}
	a := NewEmailAdapter(primary, fallback)

	err := a.Send(context.Background(), Message{Address: "ops@example.com", Subject: "s", Body: "b"})
	require.NoError(t, err)
	assert.Len(t, primary.sent, 1)
	require.Len(t, fallback.sent, 1)
	assert.Equal(t, []string{"ops@example.com"}, fallback.sent[0].To)
}

func TestEmailAdapter_SkipsUnconfiguredProviders(t *testing.T) {
	off := &fakeProvider{name: "ses"}
	smtpP := &fakeProvider{name: "smtp", configured: true}
	a := NewEmailAdapter(off, smtpP)

	require.NoError(t, a.Send(context.Background(), Message{Address: "a@b.c"}))
	assert.Empty(t, off.sent)
	assert.Len(t, smtpP.sent, 1)
}

func TestEmailAdapter_Rejections(t *testing.T) {
	a := NewEmailAdapter(&fakeProvider{name: "ses"})
	rej := asRejection(t, a.Send(context.Background(), Message{Address: "a@b.c"}))
	assert.Equal(t, "no_provider", rej.Code)
	assert.False(t, rej.Temporary)

	rej = asRejection(t, a.Send(context.Background(), Message{}))
	assert.Equal(t, "no_address", rej.Code)

	perm := &fakeProvider{name: "ses", configured: true, err: Permanent("ses_rejected", "address blacklisted")}
	rej = asRejection(t, NewEmailAdapter(perm).Send(context.Background(), Message{Address: "a@b.c"}))
	assert.False(t, rej.Temporary)
	assert.Equal(t, "ses_rejected", rej.Code)

	// one transient failure keeps the whole send retryable
	temp := &fakeProvider{name: "resend", configured: true, err: errors.New("timeout")}
	rej = asRejection(t, NewEmailAdapter(perm, temp).Send(context.Background(), Message{Address: "a@b.c"}))
	assert.True(t, rej.Temporary)
}

func TestSMTPProvider_BuildsMessageAndClassifiesReplies(t *testing.T) {
	p := NewSMTPProvider(config.SMTPConfig{Host: "mail.local", Port: 25, From: "alerts@example.com"})
	p.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	var gotAddr string
	var gotMsg string
	p.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotMsg = string(msg)
		assert.Nil(t, a)
		return nil
	}

	require.NoError(t, p.Send(context.Background(), &EmailRequest{To: []string{"ops@example.com"}, Subject: "Hot", Body: "body"}))
	assert.Equal(t, "mail.local:25", gotAddr)
	assert.Contains(t, gotMsg, "Subject: Hot\r\n")
	assert.Contains(t, gotMsg, "To: ops@example.com\r\n")
	assert.Contains(t, gotMsg, "\r\n\r\nbody")

	p.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return &textproto.Error{Code: 550, Msg: "mailbox unavailable"}
	}
	rej := asRejection(t, p.Send(context.Background(), &EmailRequest{To: []string{"x@y.z"}}))
	assert.False(t, rej.Temporary)

	p.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return &textproto.Error{Code: 451, Msg: "try again later"}
	}
	assert.True(t, Classify(p.Send(context.Background(), &EmailRequest{To: []string{"x@y.z"}})))
}

func TestSMSAdapter_StatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		accepted  bool
		temporary bool
	}{
		{http.StatusAccepted, true, false},
		{http.StatusTooManyRequests, false, true},
		{http.StatusServiceUnavailable, false, true},
		{http.StatusBadRequest, false, false},
		{http.StatusUnauthorized, false, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var got smsRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/messages", r.URL.Path)
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				_ = json.NewDecoder(r.Body).Decode(&got)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				if tt.status >= 400 {
					_, _ = w.Write([]byte(`{"code":"x","message":"nope"}`))
				}
			}))
			defer srv.Close()

			a := NewSMSAdapter(config.SMSConfig{BaseURL: srv.URL, APIToken: "tok", Sender: "ALERTS", Timeout: time.Second})
			err := a.Send(context.Background(), Message{Address: "+15550100", Body: "Temperature high", Priority: models.SeverityCritical})

			assert.Equal(t, "+15550100", got.To)
			assert.Equal(t, "ALERTS", got.From)
			if tt.accepted {
				assert.NoError(t, err)
				return
			}
			rej := asRejection(t, err)
			assert.Equal(t, tt.temporary, rej.Temporary)
			assert.Equal(t, "nope", rej.Message)
		})
	}
}

func TestSMSAdapter_TransportErrorIsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a := NewSMSAdapter(config.SMSConfig{BaseURL: url, Timeout: time.Second})
	rej := asRejection(t, a.Send(context.Background(), Message{Address: "+1"}))
	assert.True(t, rej.Temporary)

	unconfigured := NewSMSAdapter(config.SMSConfig{Timeout: time.Second})
	rej = asRejection(t, unconfigured.Send(context.Background(), Message{Address: "+1"}))
	assert.False(t, rej.Temporary)
}

type fakeHub struct {
	events []interface{}
	err    error
}

func (f *fakeHub) Publish(ctx context.Context, event interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func TestPushAdapter(t *testing.T) {
	hub := &fakeHub{}
	a := NewPushAdapter(hub)
	alert := &models.Alert{ID: "a1", SensorID: "S1", ConditionType: "TEMPERATURE_HIGH", Severity: models.SeverityCritical}

	require.NoError(t, a.Send(context.Background(), Message{Alert: alert, Trigger: models.TriggerEscalated}))
	require.Len(t, hub.events, 1)
	ev := hub.events[0].(PushEvent)
	assert.Equal(t, "alert.escalated", ev.Type)
	assert.Equal(t, "a1", ev.Payload.AlertID)
	assert.Equal(t, models.SeverityCritical, ev.Payload.Severity)

	require.NoError(t, a.Send(context.Background(), Message{Alert: alert, Trigger: models.TriggerReminder}))
	assert.Len(t, hub.events, 1, "reminders are not pushed")

	hub.err = errors.New("hub stopped")
	assert.True(t, Classify(a.Send(context.Background(), Message{Alert: alert, Trigger: models.TriggerCreated})))
}

func TestClassify(t *testing.T) {
	assert.False(t, Classify(nil))
	assert.True(t, Classify(errors.New("dial tcp: i/o timeout")))
	assert.False(t, Classify(context.Canceled))
	assert.False(t, Classify(Permanent("bad", "x")))
	assert.True(t, Classify(Temporary("busy", "x")))
}
