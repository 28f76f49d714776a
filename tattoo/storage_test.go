package tattoo

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestTranslit(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Ivan Petrov", "IvanPetrov"},
		{"Иван-Петров 1990", "ИванПетров1990"},
		{"a_b.c/../d", "a_bcd"},
		{"  ", ""},
	}
	for _, c := range cases {
		if got := Translit(c.in); got != c.want {
			t.Errorf("Translit(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func newStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	return s
}

func TestDirsLayout(t *testing.T) {
	s := newStorage(t)
	modelDir, imagesDir, err := s.Dirs(ModelControlNet, "ivan")
	if err != nil {
		t.Fatalf("dirs: %v", err)
	}
	if want := filepath.Join(s.Root(), "content_ControlNet", "ivan"); modelDir != want {
		t.Errorf("model dir = %s, want %s", modelDir, want)
	}
	if imagesDir != filepath.Join(modelDir, "data") {
		t.Errorf("images dir = %s", imagesDir)
	}
	if fi, err := os.Stat(imagesDir); err != nil || !fi.IsDir() {
		t.Fatalf("images dir not created: %v", err)
	}
	if _, _, err := s.Dirs(ModelLora, ""); err == nil {
		t.Error("empty fio accepted")
	}
}

func TestTrainingDirsClearsPhotos(t *testing.T) {
	s := newStorage(t)
	_, imagesDir, err := s.Dirs(ModelLora, "ivan")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveUpload(imagesDir, "old.jpg", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	modelDir, imagesDir, err := s.TrainingDirs(ModelLora, "ivan")
	if err != nil {
		t.Fatalf("training dirs: %v", err)
	}
	entries, _ := os.ReadDir(imagesDir)
	if len(entries) != 0 {
		t.Fatalf("photos left behind: %d", len(entries))
	}
	if _, err := os.Stat(modelDir); err != nil {
		t.Fatalf("model dir removed: %v", err)
	}
}

func TestSaveUploadStripsDirectories(t *testing.T) {
	s := newStorage(t)
	_, dir, _ := s.Dirs(ModelLora, "ivan")
	if err := s.SaveUpload(dir, "../../escape.png", strings.NewReader("png")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.png")); err != nil {
		t.Fatalf("upload not saved under dir: %v", err)
	}
	if err := s.SaveUpload(dir, "", strings.NewReader("")); err == nil {
		t.Fatal("empty name accepted")
	}
}

func TestPublishRenamesCollisions(t *testing.T) {
	s := newStorage(t)
	result := t.TempDir()
	write := func(name string) string {
		p := filepath.Join(result, name)
		if err := os.WriteFile(p, []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	got, err := s.Publish("ivan", []string{write("tatto0.png"), write("tatto1.png")})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if want := []string{"ivan/tatto0.png", "ivan/tatto1.png"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("published %v, want %v", got, want)
	}

	got, err = s.Publish("ivan", []string{write("tatto0.png")})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	got2, err := s.Publish("ivan", []string{write("tatto0.png")})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got[0] != "ivan/1_tatto0.png" || got2[0] != "ivan/2_tatto0.png" {
		t.Fatalf("collisions published as %v and %v", got, got2)
	}
	for _, rel := range []string{"tatto0.png", "1_tatto0.png", "2_tatto0.png", "tatto1.png"} {
		if _, err := os.Stat(filepath.Join(s.StaticDir(), "ivan", rel)); err != nil {
			t.Errorf("%s missing: %v", rel, err)
		}
	}
	if entries, _ := os.ReadDir(result); len(entries) != 0 {
		t.Errorf("sources not moved: %d left", len(entries))
	}
}

func TestPublishMissingSource(t *testing.T) {
	s := newStorage(t)
	if _, err := s.Publish("ivan", []string{filepath.Join(t.TempDir(), "nope.png")}); err == nil {
		t.Fatal("expected error")
	}
	got, err := s.Publish("ivan", nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("empty publish = %v, %v", got, err)
	}
}
