package store

import (
	"errors"
	"reflect"
	"testing"
)

func TestSessionRepository_CreateAndGet(t *testing.T) {
	repo := newTestStore(t).Sessions()

	rec := &SessionRecord{ID: "s1", Labels: []string{"person", "ball"}}
	if err := repo.Create(rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rec.Status != StatusCreated {
		t.Errorf("Status = %q, want %q", rec.Status, StatusCreated)
	}

	got, err := repo.GetByID("s1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !reflect.DeepEqual(got.Labels, rec.Labels) {
		t.Errorf("Labels = %v, want %v", got.Labels, rec.Labels)
	}
	if got.Status != StatusCreated {
		t.Errorf("Status = %q, want %q", got.Status, StatusCreated)
	}
}

func TestSessionRepository_EmptyLabels(t *testing.T) {
	repo := newTestStore(t).Sessions()

	if err := repo.Create(&SessionRecord{ID: "empty", Labels: []string{}}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.GetByID("empty")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if len(got.Labels) != 0 {
		t.Errorf("Labels = %v, want empty", got.Labels)
	}
}

func TestSessionRepository_GetByID_NotFound(t *testing.T) {
	repo := newTestStore(t).Sessions()

	_, err := repo.GetByID("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID() error = %v, want ErrNotFound", err)
	}
}

func TestSessionRepository_Lifecycle(t *testing.T) {
	repo := newTestStore(t).Sessions()

	if err := repo.Create(&SessionRecord{ID: "s1", Labels: []string{"cat"}}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := repo.StartProcessing("s1", "video"); err != nil {
		t.Fatalf("StartProcessing() error = %v", err)
	}
	if err := repo.UpdateProgress("s1", 4, 7); err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}

	got, _ := repo.GetByID("s1")
	if got.Status != StatusProcessing || got.MediaKind != "video" {
		t.Errorf("got status %q kind %q, want processing video", got.Status, got.MediaKind)
	}
	if got.Frames != 4 || got.Detections != 7 {
		t.Errorf("got frames=%d detections=%d, want 4 and 7", got.Frames, got.Detections)
	}

	if err := repo.Finish("s1", 10, 12); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	got, _ = repo.GetByID("s1")
	if got.Status != StatusDone || got.Frames != 10 || got.Detections != 12 {
		t.Errorf("after Finish got %+v", got)
	}

	// A new run resets the counters.
	if err := repo.StartProcessing("s1", "image"); err != nil {
		t.Fatalf("StartProcessing() error = %v", err)
	}
	if err := repo.Fail("s1", errors.New("decode failed")); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	got, _ = repo.GetByID("s1")
	if got.Status != StatusFailed || got.Error != "decode failed" || got.Frames != 0 {
		t.Errorf("after Fail got %+v", got)
	}
}

func TestSessionRepository_UpdateMissing(t *testing.T) {
	repo := newTestStore(t).Sessions()

	if err := repo.UpdateProgress("missing", 1, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateProgress() error = %v, want ErrNotFound", err)
	}
	if err := repo.Delete("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() error = %v, want ErrNotFound", err)
	}
}

func TestSessionRepository_List(t *testing.T) {
	repo := newTestStore(t).Sessions()

	for _, id := range []string{"a", "b", "c"} {
		if err := repo.Create(&SessionRecord{ID: id, Labels: []string{id}}); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	records, err := repo.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 3 {
		t.Errorf("List() returned %d records, want 3", len(records))
	}
}

func TestSessionRepository_DeleteCascadesArtifacts(t *testing.T) {
	s := newTestStore(t)

	if err := s.Sessions().Create(&SessionRecord{ID: "s1", Labels: []string{"dog"}}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Artifacts().Create(&ArtifactRecord{SessionID: "s1", Name: "annotated_image.jpg", Path: "/tmp/x.jpg", MIME: "image/jpeg", Frames: 1}); err != nil {
		t.Fatalf("Artifacts().Create() error = %v", err)
	}

	if err := s.Sessions().Delete("s1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, err := s.Artifacts().Latest("s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Latest() after delete error = %v, want ErrNotFound", err)
	}
}

func TestArtifactRepository_Latest(t *testing.T) {
	s := newTestStore(t)

	if err := s.Sessions().Create(&SessionRecord{ID: "s1", Labels: []string{"cat"}}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	first := &ArtifactRecord{SessionID: "s1", Name: "annotated_image.jpg", Path: "/tmp/a.jpg", MIME: "image/jpeg", Frames: 1}
	second := &ArtifactRecord{SessionID: "s1", Name: "annotated_video.mp4", Path: "/tmp/b.mp4", MIME: "video/mp4", Frames: 10}
	for _, a := range []*ArtifactRecord{first, second} {
		if err := s.Artifacts().Create(a); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	if second.ID <= first.ID {
		t.Errorf("IDs not increasing: %d then %d", first.ID, second.ID)
	}

	latest, err := s.Artifacts().Latest("s1")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest.Name != "annotated_video.mp4" || latest.Frames != 10 {
		t.Errorf("Latest() = %+v, want the video artifact", latest)
	}
}

func TestArtifactRepository_RequiresSession(t *testing.T) {
	s := newTestStore(t)

	err := s.Artifacts().Create(&ArtifactRecord{SessionID: "nope", Name: "x", Path: "x", MIME: "image/jpeg"})
	if err == nil {
		t.Error("Create() for unknown session should fail with foreign keys on")
	}
}

func TestSessionRepository_DeleteAll(t *testing.T) {
	repo := newTestStore(t).Sessions()

	for _, id := range []string{"a", "b"} {
		if err := repo.Create(&SessionRecord{ID: id, Labels: []string{}}); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	n, err := repo.DeleteAll()
	if err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteAll() = %d, want 2", n)
	}
	if records, _ := repo.List(); len(records) != 0 {
		t.Errorf("List() after DeleteAll = %d records", len(records))
	}
}
