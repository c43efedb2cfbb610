package quizrunner

import (
	"context"

	"go.uber.org/zap"

	"quizrunner/client"
)

const pageViewPath = "/mod/page/view.php"

// MarkPageAsCompleted views a course page so the platform flags it as
// completed. Best effort: the workflow never depends on it and failures are
// only logged.
func (r *Runner) MarkPageAsCompleted(ctx context.Context, pageID string) {
	viewURL := r.client.BuildURL(pageViewPath, []client.Param{
		{Name: "id", Value: pageID},
	})
	if _, err := r.client.Send(ctx, viewURL, client.Options{}); err != nil {
		r.logger.Warn("mark page as completed failed",
			zap.String("page_id", pageID),
			zap.Error(err),
		)
	}
}
