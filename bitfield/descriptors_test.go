package bitfield

import "testing"

func TestPackSection(t *testing.T) {
	d := SectionDesc{Type: 2, B: true, C: true, AP: 1, TEX: 1, Base: 0x800}
	got, err := PackSection(d)
	if err != nil {
		t.Fatalf("PackSection() error = %v", err)
	}
	if got != 0x8000140E {
		t.Errorf("PackSection() = 0x%08x, want 0x8000140e", got)
	}
	if back := UnpackSection(got); back != d {
		t.Errorf("UnpackSection() = %+v, want %+v", back, d)
	}
}

func TestPackPageTable(t *testing.T) {
	d := PageTableDesc{Type: 1, Domain: 1, Base: 0x80004400 >> 10}
	got, err := PackPageTable(d)
	if err != nil {
		t.Fatalf("PackPageTable() error = %v", err)
	}
	if got != 0x80004421 {
		t.Errorf("PackPageTable() = 0x%08x, want 0x80004421", got)
	}
	if got&3 != 1 {
		t.Errorf("page table descriptor type = %b, want 01", got&3)
	}
	if dom := (got >> 5) & 0xF; dom != 1 {
		t.Errorf("domain field = %d, want 1", dom)
	}
}

func TestPackSmallPage(t *testing.T) {
	tests := []struct {
		name string
		desc SmallPageDesc
		want uint32
	}{
		{
			name: "user rw cached",
			desc: SmallPageDesc{Small: true, B: true, C: true, AP: 3, TEX: 1, NG: true, Base: 0x80010},
			want: 0x8001087E,
		},
		{
			name: "kernel device execute-never",
			desc: SmallPageDesc{XN: true, Small: true, B: true, AP: 1, S: true, Base: 0x44E09},
			want: 0x44E09417,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PackSmallPage(tt.desc)
			if err != nil {
				t.Fatalf("PackSmallPage() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("PackSmallPage() = 0x%08x, want 0x%08x", got, tt.want)
			}
			if got&2 == 0 {
				t.Errorf("small page bit not set in 0x%08x", got)
			}
			if back := UnpackSmallPage(got); back != tt.desc {
				t.Errorf("UnpackSmallPage() = %+v, want %+v", back, tt.desc)
			}
		})
	}
}

func TestDescriptorWidths(t *testing.T) {
	for _, x := range []interface{}{SectionDesc{}, PageTableDesc{}, SmallPageDesc{}, FrameFlags{}} {
		if _, err := Pack(x, &Config{NumBits: 32}); err != nil {
			t.Errorf("%T does not fit 32 bits: %v", x, err)
		}
	}
}
