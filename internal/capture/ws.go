package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"veritas/api/internal/logging"
)

const (
	maxCaptureBytes = 20 << 20
	writeWait       = 10 * time.Second
)

// Send delivers blob as a single binary frame and closes the connection. Nothing is
// read back.
func Send(ctx context.Context, wsURL string, blob []byte) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial capture receiver: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)

	if err := conn.WriteMessage(websocket.BinaryMessage, blob); err != nil {
		return fmt.Errorf("send capture: %w", err)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return nil
}

// Sink stores one received capture and returns where it went.
type Sink interface {
	Store(ctx context.Context, blob []byte) (string, error)
}

// Receiver is the local capture endpoint: one binary message per connection.
type Receiver struct {
	sink     Sink
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewReceiver(sink Sink, logger *zap.Logger) *Receiver {
	return &Receiver{
		sink: sink,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 1 << 10,
			// Callers are local browser extensions with chrome-extension:// origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: logging.OrNop(logger),
	}
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := rc.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rc.log.Debug("capture: upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxCaptureBytes)

	msgType, blob, err := conn.ReadMessage()
	if err != nil {
		rc.log.Warn("capture: read failed", zap.Error(err))
		return
	}
	if msgType != websocket.BinaryMessage {
		rc.log.Warn("capture: ignoring non-binary message")
		return
	}

	key, err := rc.sink.Store(r.Context(), blob)
	if err != nil {
		rc.log.Error("capture: store failed", zap.Int("bytes", len(blob)), zap.Error(err))
		return
	}
	rc.log.Info("capture: stored", zap.String("key", key), zap.Int("bytes", len(blob)))
}

// ObjectPutter is the slice of objstore.Client the bucket sink needs.
type ObjectPutter interface {
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
}

// BucketSink writes each capture to bucket under a fresh key.
type BucketSink struct {
	objects ObjectPutter
	bucket  string
}

func NewBucketSink(objects ObjectPutter, bucket string) *BucketSink {
	return &BucketSink{objects: objects, bucket: bucket}
}

func (s *BucketSink) Store(ctx context.Context, blob []byte) (string, error) {
	key := "ws/" + uuid.NewString() + ".png"
	if err := s.objects.Put(ctx, s.bucket, key, bytes.NewReader(blob), int64(len(blob)), http.DetectContentType(blob)); err != nil {
		return "", err
	}
	return key, nil
}
