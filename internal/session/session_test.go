package session

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"
)

// fakeConn implements driver.Conn plus optional SessionResetter/Pinger hooks
// so TryReset/Dispose can be exercised without a real MySQL server.
type fakeConn struct {
	resetErr error
	pingErr  error
	closed   bool

	resetCalls int
	pingCalls  int
}

func (f *fakeConn) Prepare(query string) (driver.Stmt, error) { return nil, errors.New("unused") }
func (f *fakeConn) Close() error                              { f.closed = true; return nil }
func (f *fakeConn) Begin() (driver.Tx, error)                  { return nil, errors.New("unused") }

func (f *fakeConn) ResetSession(ctx context.Context) error {
	f.resetCalls++
	return f.resetErr
}

func (f *fakeConn) Ping(ctx context.Context) error {
	f.pingCalls++
	return f.pingErr
}

func newTestSession(conn driver.Conn) (*Session, *fakeConn) {
	now := time.Now()
	fc, _ := conn.(*fakeConn)
	return &Session{
		id:             1,
		generation:     0,
		host:           "db1",
		createdAt:      now,
		lastReturnedAt: now,
		connected:      true,
		conn:           conn,
	}, fc
}

func TestTryResetUsesSessionResetterWhenAvailable(t *testing.T) {
	conn := &fakeConn{}
	sess, _ := newTestSession(conn)

	if !sess.TryReset(context.Background(), nil) {
		t.Fatal("expected TryReset to succeed")
	}
	if conn.resetCalls != 1 {
		t.Errorf("expected ResetSession to be called once, got %d", conn.resetCalls)
	}
	if conn.pingCalls != 0 {
		t.Errorf("expected Ping not to be called when ResetSession is available, got %d", conn.pingCalls)
	}
}

func TestTryResetFailureMarksDisconnected(t *testing.T) {
	conn := &fakeConn{resetErr: errors.New("backend gone")}
	sess, _ := newTestSession(conn)

	if sess.TryReset(context.Background(), nil) {
		t.Fatal("expected TryReset to fail")
	}
	if sess.IsConnected() {
		t.Error("expected session to be marked disconnected after failed reset")
	}
}

func TestDisposeClosesUnderlyingConn(t *testing.T) {
	conn := &fakeConn{}
	sess, _ := newTestSession(conn)

	if err := sess.Dispose(context.Background()); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	if !conn.closed {
		t.Error("expected underlying conn to be closed")
	}
	if sess.IsConnected() {
		t.Error("expected session to be marked disconnected after Dispose")
	}
}

func TestMarkReturnedUpdatesTick(t *testing.T) {
	sess, _ := newTestSession(&fakeConn{})
	future := time.Now().Add(time.Hour)
	sess.MarkReturned(future)
	if !sess.LastReturnedAt().Equal(future) {
		t.Errorf("expected LastReturnedAt to be updated, got %v", sess.LastReturnedAt())
	}
}
