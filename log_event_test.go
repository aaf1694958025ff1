package streamkit_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gokit/streamkit"
)

func TestGetLogEvent(t *testing.T) {
	t.Run("basic fields", func(t *testing.T) {
		event := streamkit.LogMsg("My log")
		event.String("name", "thunder")
		event.Int("id", 234)
		assert.Equal(t, "{\"message\": \"My log\", \"name\": \"thunder\", \"id\": 234}", event.Message())
	})

	t.Run("with JSON fields", func(t *testing.T) {
		event := streamkit.LogMsg("My log")
		event.String("name", "thunder")
		event.Int("id", 234)
		event.ObjectJSON("data", map[string]interface{}{"id": 23})
		assert.Equal(t, "{\"message\": \"My log\", \"name\": \"thunder\", \"id\": 234, \"data\": {\"id\":23}}", event.Message())
	})

	t.Run("with Entry fields", func(t *testing.T) {
		event := streamkit.LogMsg("My log")
		event.String("name", "thunder")
		event.Int("id", 234)
		event.Object("data", func(event *streamkit.LogEvent) {
			event.Int("id", 23)
		})
		assert.Equal(t, "{\"message\": \"My log\", \"name\": \"thunder\", \"id\": 234, \"data\": {\"id\": 23}}", event.Message())
	})

	t.Run("with bytes fields", func(t *testing.T) {
		event := streamkit.LogMsg("My log")
		event.String("name", "thunder")
		event.Int("id", 234)
		event.Bytes("data", []byte("{\"id\": 23}"))
		assert.Equal(t, "{\"message\": \"My log\", \"name\": \"thunder\", \"id\": 234, \"data\": {\"id\": 23}}", event.Message())
	})

	t.Run("with quoted bytes fields", func(t *testing.T) {
		event := streamkit.LogMsg("My log")
		event.QBytes("data", []byte("belt"))
		assert.Equal(t, "{\"message\": \"My log\", \"data\": \"belt\"}", event.Message())
	})

	t.Run("with error fields", func(t *testing.T) {
		event := streamkit.LogMsg("My log")
		event.Err("err", errors.New("bad happened"))
		assert.Equal(t, "{\"message\": \"My log\", \"err\": \"bad happened\"}", event.Message())
	})

	t.Run("with nil error fields", func(t *testing.T) {
		event := streamkit.LogMsg("My log")
		event.Err("err", nil)
		assert.Equal(t, "{\"message\": \"My log\", \"err\": null}", event.Message())
	})

	t.Run("with bool fields", func(t *testing.T) {
		event := streamkit.LogMsg("My log")
		event.Bool("w", true)
		assert.Equal(t, "{\"message\": \"My log\", \"w\": true}", event.Message())
	})
}

func TestLogEventWrite(t *testing.T) {
	var sink recordingLog

	streamkit.LogMsg("My log").String("name", "thunder").WriteDebug(&sink)

	assert.Len(t, sink.levels, 1)
	assert.Equal(t, streamkit.DEBUG, sink.levels[0])
	assert.Equal(t, "{\"message\": \"My log\", \"name\": \"thunder\"}", sink.messages[0])

	streamkit.LogMsg("My log").WriteError(&sink)

	assert.Len(t, sink.levels, 2)
	assert.Equal(t, streamkit.ERROR, sink.levels[1])
}

type recordingLog struct {
	levels   []streamkit.Level
	messages []string
}

func (r *recordingLog) Emit(l streamkit.Level, msg streamkit.LogMessage) {
	r.levels = append(r.levels, l)
	r.messages = append(r.messages, msg.Message())
}

func BenchmarkGetLogEvent(b *testing.B) {
	b.ResetTimer()
	b.ReportAllocs()

	b.Run("basic fields", func(b *testing.B) {
		b.ResetTimer()
		b.ReportAllocs()

		for i := b.N; i > 0; i-- {
			event := streamkit.LogMsg("My log")
			event.String("name", "thunder")
			event.Int("id", 234)
			event.Message()
		}
	})

	b.Run("with JSON fields", func(b *testing.B) {
		b.ResetTimer()
		b.ReportAllocs()

		for i := b.N; i > 0; i-- {
			event := streamkit.LogMsg("My log")
			event.String("name", "thunder")
			event.Int("id", 234)
			event.ObjectJSON("data", map[string]interface{}{"id": 23})
			event.Message()
		}
	})

	b.Run("with Entry fields", func(b *testing.B) {
		b.ResetTimer()
		b.ReportAllocs()

		for i := b.N; i > 0; i-- {
			event := streamkit.LogMsg("My log")
			event.String("name", "thunder")
			event.Int("id", 234)
			event.Object("data", func(event *streamkit.LogEvent) {
				event.Int("id", 23)
			})
			event.Message()
		}
	})

	b.Run("with bytes fields", func(b *testing.B) {
		b.ResetTimer()
		b.ReportAllocs()

		for i := b.N; i > 0; i-- {
			event := streamkit.LogMsg("My log")
			event.String("name", "thunder")
			event.Int("id", 234)
			event.Bytes("data", []byte("{\"id\": 23}"))
			event.Message()
		}
	})
}
