package instance

import (
	"context"
	"time"

	"cislave/internal/logging"
	"cislave/internal/provisioning"

	"go.uber.org/zap"
)

// LatestImage walks the paged image listing of project and returns the
// newest non-deprecated image whose name starts with prefix. The walk stops
// at the first page that holds any such image.
func LatestImage(ctx context.Context, client provisioning.Client, project, prefix string) (provisioning.Image, error) {
	pageToken := ""
	pages := 0
	for {
		page, err := client.ListImages(ctx, project, prefix, pageToken)
		if err != nil {
			return provisioning.Image{}, err
		}
		pages++

		if img, ok := newestAvailable(page.Items); ok {
			logging.Logger().Info("selected base image",
				zap.String("image", img.Name),
				zap.String("project", project),
				zap.Int("pages", pages))
			return img, nil
		}

		if page.NextPageToken == "" {
			return provisioning.Image{}, &NoImageFoundError{Project: project, Prefix: prefix}
		}
		pageToken = page.NextPageToken
	}
}

// newestAvailable picks the non-deprecated image with the latest creation
// timestamp. Unparseable timestamps lose against parseable ones; ties keep
// listing order.
func newestAvailable(items []provisioning.Image) (provisioning.Image, bool) {
	var (
		best     provisioning.Image
		bestTime time.Time
		found    bool
	)
	for _, img := range items {
		if img.Deprecated {
			continue
		}
		created, _ := time.Parse(time.RFC3339, img.CreatedAt)
		if !found || created.After(bestTime) {
			best, bestTime, found = img, created, true
		}
	}
	return best, found
}
