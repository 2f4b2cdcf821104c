package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type fakeMailer struct {
	sent []*gomail.Message
}

func (f *fakeMailer) DialAndSend(m ...*gomail.Message) error {
	f.sent = append(f.sent, m...)
	return nil
}

func TestSendMail(t *testing.T) {
	mailer := &fakeMailer{}
	n := New("badwolf@example.com", WithMailSender(mailer))
	require.NoError(t, n.SendMail(context.Background(), []string{"a@example.com", "b@example.com"}, "Test failed for repository a/b", "<p>failed</p>"))
	require.Len(t, mailer.sent, 1)
	m := mailer.sent[0]
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, m.GetHeader("To"))
	assert.Equal(t, []string{"Test failed for repository a/b"}, m.GetHeader("Subject"))

	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "<p>failed</p>")
}

func TestSendMailDisabled(t *testing.T) {
	err := New("badwolf@example.com").SendMail(context.Background(), []string{"a@example.com"}, "s", "b")
	assert.ErrorIs(t, err, ErrMailDisabled)
}

func TestTriggerSlack(t *testing.T) {
	var texts []string
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		texts = append(texts, body["text"])
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	n := New("")
	err := n.TriggerSlack(context.Background(), []string{broken.URL, ok.URL}, "Test succeed")
	assert.Error(t, err)
	assert.Equal(t, []string{"Test succeed"}, texts)
}
