package chat

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"chatrelay/internal/db"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
)

// ImageURL returns the public address of a stored image.
func ImageURL(publicURL, imageID string) string {
	return publicURL + "/images/" + imageID
}

// uploadImages stores files in the background and attaches each one to the
// message as it completes. The message is already visible; every finished
// upload is announced to the room with an image event and every failed one
// with an error event.
func (c *Coordinator) uploadImages(ctx context.Context, chatID, messageID string, files []models.Upload) {
	if len(files) == 0 {
		return
	}
	bg := context.WithoutCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		var g errgroup.Group
		g.SetLimit(c.cfg.UploadConcurrency)
		for _, file := range files {
			file := file
			g.Go(func() error {
				c.uploadImage(bg, chatID, messageID, file)
				return nil
			})
		}
		g.Wait()
	}()
}

func (c *Coordinator) uploadImage(ctx context.Context, chatID, messageID string, file models.Upload) {
	imageID := db.NewID()
	log := c.logger.With().Str("chat", chatID).Str("message", messageID).Str("image", imageID).Logger()

	putCtx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
	_, err := c.blobs.Put(putCtx, imageID, file.Data, file.ContentType)
	cancel()
	if err != nil {
		outcome := "failed"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		metrics.ImageUploads.WithLabelValues(outcome).Inc()
		log.Warn().Err(err).Str("outcome", outcome).Msg("image upload failed")

		// a late write may still land
		c.removeBlob(ctx, imageID)
		c.router.Deliver([]string{chatID}, "error", models.ErrorEvent{
			ChatID:    chatID,
			MessageID: messageID,
			Error:     "image upload failed",
		}, "")
		return
	}

	img := models.Image{ID: imageID, URL: ImageURL(c.cfg.PublicURL, imageID)}
	updated, err := c.store.AppendMessageImage(ctx, messageID, img)
	if err != nil {
		c.removeBlob(ctx, imageID)
		if errors.Is(err, db.ErrNotFound) {
			// message deleted while uploading
			metrics.ImageUploads.WithLabelValues("orphaned").Inc()
			return
		}
		metrics.ImageUploads.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("failed to attach image")
		c.router.Deliver([]string{chatID}, "error", models.ErrorEvent{
			ChatID:    chatID,
			MessageID: messageID,
			Error:     "image upload failed",
		}, "")
		return
	}

	metrics.ImageUploads.WithLabelValues("stored").Inc()
	c.router.Deliver([]string{chatID}, "image", models.ImageEvent{
		ChatID:    chatID,
		MessageID: messageID,
		Image:     img,
	}, "")

	// chat list previews show the last message's images
	chat, err := c.store.GetChat(ctx, chatID)
	if err != nil {
		log.Error().Err(err).Msg("failed to reload chat after image upload")
		return
	}
	if chat.LastMessageID == messageID {
		c.announceLast(chat, updated)
	}
}

// deleteBlobs removes images from the blob store in the background.
func (c *Coordinator) deleteBlobs(ctx context.Context, images []models.Image) {
	if len(images) == 0 {
		return
	}
	bg := context.WithoutCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for _, img := range images {
			c.removeBlob(bg, img.ID)
		}
	}()
}

func (c *Coordinator) removeBlob(ctx context.Context, imageID string) {
	delCtx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
	defer cancel()
	if err := c.blobs.Delete(delCtx, imageID); err != nil {
		c.logger.Warn().Err(err).Str("image", imageID).Msg("failed to delete image")
	}
}
