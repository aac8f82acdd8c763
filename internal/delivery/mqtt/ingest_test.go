package mqtt

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcity/roadwatch/internal/config"
	"github.com/smartcity/roadwatch/internal/repository/memory"
	"github.com/smartcity/roadwatch/internal/service"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func newIngestor(t *testing.T) (*Ingestor, *service.SessionService) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tuning := config.Default()
	repo := memory.NewRepository()
	agg := service.NewAggregationService(repo, tuning.Aggregation, log)
	sessions := service.NewSessionService(
		service.NewDetectionService(repo, agg, log),
		service.NewHeuristicClassifier(tuning.Classifier.Local),
		tuning.Processor, log)
	return NewIngestor("tcp://localhost:1883", "", sessions, log), sessions
}

func TestSessionFromTopic(t *testing.T) {
	assert.Equal(t, "ride-7", sessionFromTopic("roadwatch/sessions/ride-7/readings"))
	assert.Equal(t, "ride-7", sessionFromTopic("prod/roadwatch/sessions/ride-7/readings"))
	assert.Equal(t, "", sessionFromTopic("roadwatch/sessions/ride-7"))
	assert.Equal(t, "", sessionFromTopic(""))
}

func TestHandle_OpensSessionFromTopic(t *testing.T) {
	ing, sessions := newIngestor(t)
	now := time.Now().UnixMilli()

	payload := []byte(`{"user_id":"alice","readings":[` +
		`{"timestamp":` + itoa(now) + `,"accelerometer":{"x":0,"y":0,"z":9.81},"gps":{"latitude":28.6,"longitude":77.2,"accuracy":4,"speed":8}},` +
		`{"timestamp":` + itoa(now+20) + `,"accelerometer":{"x":0,"y":0,"z":9.9}}]}`)

	res, err := ing.handle(t.Context(), "roadwatch/sessions/ride-7/readings", payload)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Readings)

	sess, err := sessions.Get("ride-7")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.UserID)
	assert.Equal(t, 2, sess.Readings)

	// the payload id wins over the topic
	_, err = ing.handle(t.Context(), "roadwatch/sessions/ride-7/readings",
		[]byte(`{"session_id":"ride-8","user_id":"bob","readings":[]}`))
	require.NoError(t, err)
	_, err = sessions.Get("ride-8")
	assert.NoError(t, err)
}

func TestHandle_Rejects(t *testing.T) {
	ing, sessions := newIngestor(t)

	_, err := ing.handle(t.Context(), "roadwatch/sessions/ride-1/readings", []byte(`{not json`))
	assert.ErrorContains(t, err, "malformed")

	_, err = ing.handle(t.Context(), "roadwatch/sessions/ride-1/readings", []byte(`{"readings":[]}`))
	assert.Error(t, err)

	_, err = ing.handle(t.Context(), "elsewhere", []byte(`{"user_id":"alice","readings":[]}`))
	assert.Error(t, err)

	assert.Zero(t, sessions.Active())
}

func TestMessageHandler_DropsBadPayload(t *testing.T) {
	ing, sessions := newIngestor(t)
	ing.messageHandler(nil, fakeMessage{topic: "roadwatch/sessions/x/readings", payload: []byte(`[]`)})
	assert.Zero(t, sessions.Active())

	ing.messageHandler(nil, fakeMessage{
		topic:   "roadwatch/sessions/x/readings",
		payload: []byte(`{"user_id":"carol","readings":[]}`),
	})
	assert.Equal(t, 1, sessions.Active())
}

func TestClose_NotConnected(t *testing.T) {
	ing, _ := newIngestor(t)
	assert.NotPanics(t, ing.Close)
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
