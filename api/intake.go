package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"packager/models"
)

// ErrTooLarge rejects uploads over the configured size limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

// Intake stages accepted uploads on local disk under a collision resistant
// name. Staged files are owned by the job from then on.
type Intake struct {
	uploadDir string
	maxBytes  int64
	now       func() time.Time
}

func NewIntake(uploadDir string, maxBytes int64) *Intake {
	return &Intake{uploadDir: uploadDir, maxBytes: maxBytes, now: time.Now}
}

// Stage copies the uploaded file to uploadDir and checks that its content is
// video. Rejected files are removed before returning.
func (i *Intake) Stage(fh *multipart.FileHeader) (string, error) {
	if i.maxBytes > 0 && fh.Size > i.maxBytes {
		return "", &models.IntakeError{Reason: "file too large", Err: ErrTooLarge}
	}

	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(i.uploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	staged := filepath.Join(i.uploadDir, models.StagedName(i.now(), fh.Filename))
	dst, err := os.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("staged upload %s: %w", filepath.Base(staged), models.ErrJobExists)
		}
		return "", fmt.Errorf("create staged upload: %w", err)
	}

	_, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(staged)
		return "", fmt.Errorf("write staged upload: %w", err)
	}

	mtype, err := mimetype.DetectFile(staged)
	if err != nil {
		os.Remove(staged)
		return "", fmt.Errorf("sniff upload: %w", err)
	}
	if !isVideo(mtype) {
		os.Remove(staged)
		return "", &models.IntakeError{Reason: "detected " + mtype.String(), Err: models.ErrNotVideo}
	}

	return staged, nil
}

func isVideo(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "video/") {
			return true
		}
	}
	return false
}
