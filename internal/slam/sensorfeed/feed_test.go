package sensorfeed

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/slamserver/internal/fsutil"
	"github.com/banshee-data/slamserver/internal/monitoring"
	"github.com/banshee-data/slamserver/internal/slam"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func colorPNG(t *testing.T) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	return encodePNG(t, img)
}

func depthPNG(t *testing.T) []byte {
	img := image.NewGray16(image.Rect(0, 0, 4, 3))
	img.SetGray16(2, 2, color.Gray16{Y: 1234})
	return encodePNG(t, img)
}

func writeFile(t *testing.T, fs *fsutil.MemoryFileSystem, path string, data []byte) {
	t.Helper()
	if err := fs.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile %s: %v", path, err)
	}
}

// captureLogs routes monitoring output into a slice for the test's duration.
func captureLogs(t *testing.T) func() []string {
	t.Helper()
	var mu sync.Mutex
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), lines...)
	}
}

func TestFeed_ListFramesFiltersSensor(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	ts := spaced(3, time.Second)
	for _, id := range frameIDs("color", ts...) {
		writeFile(t, mfs, filepath.Join("/d/data/rgb", id+".png"), nil)
	}
	writeFile(t, mfs, "/d/data/rgb/other_data_2023-03-14T15:09:26.0000Z.png", nil)
	writeFile(t, mfs, "/d/data/rgb/color_data_2023-03-14T15:09:26.0000Z.txt", nil)
	if err := mfs.MkdirAll("/d/data/rgb/color_data_subdir.png", 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	feed := New(mfs, "/d/data", "color", slam.ModeMono)
	frames, err := feed.ListFrames()
	if err != nil {
		t.Fatalf("ListFrames: %v", err)
	}
	if diff := cmp.Diff(frameIDs("color", ts...), frames); diff != "" {
		t.Errorf("frames (-want +got):\n%s", diff)
	}
}

func TestFeed_ListFramesDropsMalformedNames(t *testing.T) {
	logs := captureLogs(t)
	mfs := fsutil.NewMemoryFileSystem()
	ts := spaced(3, time.Second)
	for _, id := range frameIDs("color", ts...) {
		writeFile(t, mfs, filepath.Join("/d/rgb", id+".png"), nil)
	}
	// Partial writes from the capture process sort after every timestamp.
	writeFile(t, mfs, "/d/rgb/color_data_tmp.png", nil)

	feed := New(mfs, "/d", "color", slam.ModeMono)
	for poll := 0; poll < 3; poll++ {
		frames, err := feed.ListFrames()
		if err != nil {
			t.Fatalf("ListFrames: %v", err)
		}
		if diff := cmp.Diff(frameIDs("color", ts...), frames); diff != "" {
			t.Fatalf("poll %d frames (-want +got):\n%s", poll, diff)
		}
	}

	var mentions int
	for _, line := range logs() {
		if strings.Contains(line, "color_data_tmp") {
			mentions++
		}
	}
	if mentions != 1 {
		t.Errorf("malformed name logged %d times, want once: %q", mentions, logs())
	}

	frames, err := ListFrames(mfs, "/d/rgb", "color")
	if err != nil {
		t.Fatalf("ListFrames: %v", err)
	}
	if len(frames) != 3 {
		t.Errorf("package ListFrames returned %d frames, want 3", len(frames))
	}
}

func TestFeed_ListFramesMissingDir(t *testing.T) {
	feed := New(fsutil.NewMemoryFileSystem(), "/nowhere", "color", slam.ModeMono)
	if _, err := feed.ListFrames(); err == nil {
		t.Error("ListFrames on a missing directory succeeded")
	}
}

func TestFeed_LoadMono(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	id := FrameID("color", baseTime)
	writeFile(t, mfs, "/d/rgb/"+id+".png", colorPNG(t))

	feed := New(mfs, "/d", "color", slam.ModeMono)
	frame, err := feed.Load(id, 1.5)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if frame.ID != id || frame.SensorID != "color" || frame.Timestamp != 1.5 {
		t.Errorf("frame = {%s %s %v}, want {%s color 1.5}", frame.ID, frame.SensorID, frame.Timestamp, id)
	}
	if frame.Color == nil {
		t.Fatal("frame has no colour image")
	}
	if got := frame.Color.Bounds(); got != image.Rect(0, 0, 4, 3) {
		t.Errorf("colour bounds = %v", got)
	}
	if frame.Depth != nil {
		t.Error("mono frame carries a depth image")
	}
}

func TestFeed_LoadRGBD(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	id := FrameID("color", baseTime)
	writeFile(t, mfs, "/d/rgb/"+id+".png", colorPNG(t))

	feed := New(mfs, "/d", "color", slam.ModeRGBD)
	if _, err := feed.Load(id, 0); err == nil {
		t.Fatal("missing depth image should fail the frame")
	}

	writeFile(t, mfs, "/d/depth/"+id+".png", depthPNG(t))
	frame, err := feed.Load(id, 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if frame.Depth == nil {
		t.Fatal("frame has no depth image")
	}
	if r, _, _, _ := frame.Depth.At(2, 2).RGBA(); r != 1234 {
		t.Errorf("depth sample = %d, want 1234", r)
	}
}

func TestFeed_LoadCorrupt(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	id := FrameID("color", baseTime)
	writeFile(t, mfs, "/d/rgb/"+id+".png", []byte("not a png"))

	if _, err := New(mfs, "/d", "color", slam.ModeMono).Load(id, 0); err == nil {
		t.Error("Load of a corrupt image succeeded")
	}
}

func TestFeed_SelectNextUsesDepthCompanion(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	frames := frameIDs("color", spaced(4, time.Second)...)
	for _, id := range frames {
		writeFile(t, mfs, "/d/rgb/"+id+".png", nil)
	}
	writeFile(t, mfs, "/d/depth/"+frames[1]+".png", nil)

	tests := []struct {
		mode slam.SensorMode
		want int
	}{
		{slam.ModeRGBD, 1},
		{slam.ModeMono, 2},
	}
	for _, tt := range tests {
		idx, _, err := New(mfs, "/d", "color", tt.mode).SelectNext(frames, Recent, 0)
		if err != nil {
			t.Fatalf("%v: SelectNext: %v", tt.mode, err)
		}
		if idx != tt.want {
			t.Errorf("%v: SelectNext index = %d, want %d", tt.mode, idx, tt.want)
		}
	}
}

func TestFeed_Prune(t *testing.T) {
	tests := []struct {
		name     string
		first    int
		current  int
		keep     int
		wantGone []int
	}{
		{name: "processed span", first: 2, current: 7, keep: 4, wantGone: []int{2, 3}},
		{name: "current is below retention", first: 1, current: 3, keep: 2, wantGone: []int{1, 2}},
		{name: "current is first", first: 3, current: 3, keep: 0, wantGone: nil},
		{name: "keep covers everything", first: 0, current: 7, keep: 8, wantGone: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mfs := fsutil.NewMemoryFileSystem()
			frames := frameIDs("color", spaced(8, time.Second)...)
			for _, id := range frames {
				writeFile(t, mfs, "/d/rgb/"+id+".png", nil)
				writeFile(t, mfs, "/d/depth/"+id+".png", nil)
			}

			feed := New(mfs, "/d", "color", slam.ModeRGBD)
			removed := feed.Prune(frames, frames[tt.first], frames[tt.current], tt.keep)
			if removed != len(tt.wantGone) {
				t.Errorf("Prune removed %d, want %d", removed, len(tt.wantGone))
			}

			gone := make(map[int]bool)
			for _, i := range tt.wantGone {
				gone[i] = true
			}
			for i, id := range frames {
				for _, dir := range []string{"rgb", "depth"} {
					if got := mfs.Exists("/d/" + dir + "/" + id + ".png"); got == gone[i] {
						t.Errorf("%s frame %d exists = %v, want %v", dir, i, got, !gone[i])
					}
				}
			}
		})
	}
}

func TestFeed_PruneNeverRemovesCurrentOrNewer(t *testing.T) {
	frames := frameIDs("color", spaced(10, time.Second)...)
	for current := 0; current < len(frames); current++ {
		for keep := 0; keep < 4; keep++ {
			mfs := fsutil.NewMemoryFileSystem()
			for _, id := range frames {
				writeFile(t, mfs, "/d/rgb/"+id+".png", nil)
			}
			feed := New(mfs, "/d", "color", slam.ModeMono)
			feed.Prune(frames, frames[0], frames[current], keep)

			for i := current; i < len(frames); i++ {
				if !mfs.Exists("/d/rgb/" + frames[i] + ".png") {
					t.Errorf("current=%d keep=%d: frame %d removed", current, keep, i)
				}
			}
		}
	}
}

func TestFeed_PruneKeepsGoingAfterRemoveError(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	frames := frameIDs("color", spaced(5, time.Second)...)
	// frames[1] is missing on disk.
	for i, id := range frames {
		if i != 1 {
			writeFile(t, mfs, "/d/rgb/"+id+".png", nil)
		}
	}
	captureLogs(t)

	removed := New(mfs, "/d", "color", slam.ModeMono).Prune(frames, frames[0], frames[3], 0)
	if removed != 2 {
		t.Errorf("Prune removed %d, want 2", removed)
	}
	if mfs.Exists("/d/rgb/" + frames[2] + ".png") {
		t.Error("frame after the failed removal was kept")
	}
}
