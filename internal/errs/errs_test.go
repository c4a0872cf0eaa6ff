package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfFindsWrappedError(t *testing.T) {
	inner := New(KindBadRecord, "classify", fmt.Errorf("boom"))
	outer := fmt.Errorf("pack: %w", inner)

	if got := KindOf(outer); got != KindBadRecord {
		t.Fatalf("KindOf(outer) = %v, want %v", got, KindBadRecord)
	}
}

func TestKindOfReturnsUnknownForPlainError(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Fatalf("KindOf(plain) = %v, want %v", got, KindUnknown)
	}
}

func TestKindOfHandlesNil(t *testing.T) {
	if got := KindOf(nil); got != KindUnknown {
		t.Fatalf("KindOf(nil) = %v, want %v", got, KindUnknown)
	}
}

func TestErrorFormatsWithAndWithoutOp(t *testing.T) {
	withOp := New(KindFatal, "opener.open", fmt.Errorf("disk full"))
	if got, want := withOp.Error(), "fatal: opener.open: disk full"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}

	noOp := New(KindTransient, "", fmt.Errorf("retry me"))
	if got, want := noOp.Error(), "transient: retry me"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestErrStoppedIsKindStopped(t *testing.T) {
	if KindOf(ErrStopped) != KindStopped {
		t.Fatalf("KindOf(ErrStopped) = %v, want %v", KindOf(ErrStopped), KindStopped)
	}
}
