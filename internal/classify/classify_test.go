package classify

import (
	"net"
	"testing"

	"github.com/movsoftware/silk-sub011/internal/flowrecord"
)

func TestRespoolClassifyIsIdentity(t *testing.T) {
	var r Respool
	rec := &flowrecord.Record{
		Src:        net.ParseIP("1.2.3.4"),
		Dst:        net.ParseIP("5.6.7.8"),
		FlowtypeID: 7,
		SensorID:   42,
	}
	targets, err := r.Classify(nil, rec)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(targets) != 1 || targets[0].FlowtypeID != 7 || targets[0].SensorID != 42 {
		t.Fatalf("targets = %+v, want identity (7, 42)", targets)
	}
}

func TestRespoolFormatAndVersionDefersToDefault(t *testing.T) {
	var r Respool
	_, _, err := r.FormatAndVersion(nil, 0)
	if err != ErrUseDefault {
		t.Fatalf("err = %v, want ErrUseDefault", err)
	}
}

func TestDefaultFormatVersionPicksByAddressFamily(t *testing.T) {
	v4 := &flowrecord.Record{Src: net.ParseIP("1.2.3.4"), Dst: net.ParseIP("5.6.7.8")}
	_, ver := DefaultFormatVersion(v4)
	if ver != 5 {
		t.Fatalf("v4 record version = %d, want 5", ver)
	}

	v6 := &flowrecord.Record{Src: net.ParseIP("::1"), Dst: net.ParseIP("::2")}
	_, ver6 := DefaultFormatVersion(v6)
	if ver6 != 6 {
		t.Fatalf("v6 record version = %d, want 6", ver6)
	}
}
