package fdtable

import (
	"os"
	"testing"
)

func TestCreateAndGet(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "fdtable")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var tbl Table
	fd := int(f.Fd())
	ctx := tbl.Create(fd)
	if ctx.IsSocket {
		t.Fatal("regular file reported as socket")
	}

	got, ok := tbl.Get(fd)
	if !ok || got != ctx {
		t.Fatal("Get did not return the Created context")
	}
}

func TestGetMissingReturnsFalse(t *testing.T) {
	var tbl Table
	if _, ok := tbl.Get(999); ok {
		t.Fatal("expected no entry for fd never Created")
	}
}

func TestDelRemovesEntry(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "fdtable")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var tbl Table
	fd := int(f.Fd())
	tbl.Create(fd)
	tbl.Del(fd)

	if _, ok := tbl.Get(fd); ok {
		t.Fatal("expected entry removed after Del")
	}
}

func TestCreateDefaultsToInfiniteTimeoutsAndSysNonblock(t *testing.T) {
	var tbl Table
	ctx := tbl.Create(123)

	if !ctx.SysNonblock() {
		t.Fatal("expected Create to record sysNonblock")
	}
	if ctx.UserNonblock() {
		t.Fatal("expected Create to leave userNonblock false")
	}
	if got := ctx.Timeout(RecvTimeout); got != InfiniteTimeoutMs {
		t.Fatalf("recv timeout = %d, want InfiniteTimeoutMs", got)
	}
	if got := ctx.Timeout(SendTimeout); got != InfiniteTimeoutMs {
		t.Fatalf("send timeout = %d, want InfiniteTimeoutMs", got)
	}
}

func TestSetTimeoutIsPerDirection(t *testing.T) {
	c := &FdCtx{}
	c.SetTimeout(RecvTimeout, 100)

	if got := c.Timeout(RecvTimeout); got != 100 {
		t.Fatalf("recv timeout = %d, want 100", got)
	}
	if got := c.Timeout(SendTimeout); got != 0 {
		t.Fatalf("send timeout = %d, want 0 (unset zero value)", got)
	}
}

func TestMarkClosedIsObservable(t *testing.T) {
	c := &FdCtx{}
	if c.IsClosed() {
		t.Fatal("fresh FdCtx reported closed")
	}
	c.MarkClosed()
	if !c.IsClosed() {
		t.Fatal("expected IsClosed true after MarkClosed")
	}
}
