package quizrunner

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"quizrunner/client"
	"quizrunner/extract"
	"quizrunner/metrics"
)

const (
	startAttemptPath   = "/mod/quiz/startattempt.php"
	processAttemptPath = "/mod/quiz/processattempt.php"
	summaryPath        = "/mod/quiz/summary.php"

	// Moodle's literal value for the "finish attempt" button on the
	// question page.
	finishAttemptAction = "Finish attempt ..."

	formContentType = "application/x-www-form-urlencoded"
)

// Token patterns matched against page bodies and redirect URLs. The context
// id appears both quoted and bare in the wild, so the quote is optional.
const (
	contextIDPattern = `contextInstanceId":"?(\d+)`
	sesskeyPattern   = `sesskey":"([^"]+)"`
	attemptIDPattern = `attempt=(\d+)`
)

// ExamContext identifies the quiz module (cmid) and the anti-CSRF session
// key. Produced once per run, read-only thereafter.
type ExamContext struct {
	ContextID string
	SessKey   string
}

// Attempt is the opened quiz attempt and the question page it redirected to.
type Attempt struct {
	AttemptID   string
	RedirectURL string
}

// SubmissionResult carries the answer submission's landing URL plus the
// tokens the finish step reuses unchanged.
type SubmissionResult struct {
	RedirectURL string
	AttemptID   string
	Sesskey     string
}

// FetchExamPage loads the exam page and resolves the context id and session
// key. The context id comes from the URL's `id` parameter when present, the
// body pattern otherwise.
func (r *Runner) FetchExamPage(ctx context.Context, examURL string) (*ExamContext, error) {
	resp, err := r.client.Send(ctx, examURL, client.Options{})
	if err != nil {
		return nil, err
	}

	contextID, ok := extract.URLParam(examURL, "id")
	if !ok {
		contextID, err = extract.ByPattern(string(resp.Body), contextIDPattern, "contextInstanceId")
		if err != nil {
			return nil, &TokenNotFoundError{Token: "contextId"}
		}
	}

	sessKey, err := extract.ByPattern(string(resp.Body), sesskeyPattern, "sesskey")
	if err != nil {
		return nil, &TokenNotFoundError{Token: "sesskey"}
	}

	return &ExamContext{ContextID: contextID, SessKey: sessKey}, nil
}

// StartExamAttempt opens a new attempt and extracts its id from the URL the
// start endpoint redirected to.
func (r *Runner) StartExamAttempt(ctx context.Context, ec *ExamContext) (*Attempt, error) {
	body := client.EncodeForm([]client.Param{
		{Name: "cmid", Value: ec.ContextID},
		{Name: "sesskey", Value: ec.SessKey},
	})

	resp, err := r.client.Send(ctx, r.client.BuildURL(startAttemptPath, nil), client.Options{
		Method:      http.MethodPost,
		Body:        []byte(body),
		ContentType: formContentType,
	})
	if err != nil {
		return nil, err
	}

	attemptID, err := extract.ByPattern(resp.FinalURL, attemptIDPattern, "attempt")
	if err != nil {
		return nil, &TokenNotFoundError{Token: "attempt"}
	}

	return &Attempt{AttemptID: attemptID, RedirectURL: resp.FinalURL}, nil
}

// ExtractQuestionInfo loads the question page the attempt landed on and
// scrapes its form.
func (r *Runner) ExtractQuestionInfo(ctx context.Context, redirectURL string) (*extract.QuestionData, error) {
	resp, err := r.client.Send(ctx, redirectURL, client.Options{})
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse question page: %w", err)
	}

	return extract.ScrapeQuestionForm(doc)
}

// SubmitAnswer picks one option uniformly at random and posts the answer
// form, finishing the question in the same request.
func (r *Runner) SubmitAnswer(ctx context.Context, qd *extract.QuestionData, contextID string) (*SubmissionResult, error) {
	chosen := qd.Options[r.rng.Intn(len(qd.Options))]

	fields := []client.Param{
		{Name: qd.QuestID + ":flagged", Value: "0"},
		{Name: qd.QuestID + ":sequencecheck", Value: qd.SeqCheck},
		{Name: chosen.Name, Value: chosen.Value},
		{Name: "next", Value: finishAttemptAction},
		{Name: "attempt", Value: qd.Attempt},
		{Name: "sesskey", Value: qd.Sesskey},
		{Name: "slots", Value: "1"},
	}
	for _, name := range extract.PassthroughFields {
		if v, ok := qd.FormFields[name]; ok {
			fields = append(fields, client.Param{Name: name, Value: v})
		}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range fields {
		if err := w.WriteField(f.Name, f.Value); err != nil {
			return nil, fmt.Errorf("write form field %s: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close form: %w", err)
	}

	postURL := r.client.BuildURL(processAttemptPath, []client.Param{
		{Name: "cmid", Value: contextID},
	})
	resp, err := r.client.Send(ctx, postURL, client.Options{
		Method:      http.MethodPost,
		Body:        buf.Bytes(),
		ContentType: w.FormDataContentType(),
	})
	if err != nil {
		return nil, err
	}

	return &SubmissionResult{
		RedirectURL: resp.FinalURL,
		AttemptID:   qd.Attempt,
		Sesskey:     qd.Sesskey,
	}, nil
}

// FinishExamAttempt views the summary page to prime the server-side state,
// then finalizes the attempt. The returned URL is where the finish request
// ultimately landed.
func (r *Runner) FinishExamAttempt(ctx context.Context, attemptID, contextID, sesskey string) (string, error) {
	summaryURL := r.client.BuildURL(summaryPath, []client.Param{
		{Name: "attempt", Value: attemptID},
		{Name: "cmid", Value: contextID},
	})
	if _, err := r.client.Send(ctx, summaryURL, client.Options{}); err != nil {
		return "", err
	}

	body := client.EncodeForm([]client.Param{
		{Name: "attempt", Value: attemptID},
		{Name: "finishattempt", Value: "1"},
		{Name: "timeup", Value: "0"},
		{Name: "slots", Value: ""},
		{Name: "cmid", Value: contextID},
		{Name: "sesskey", Value: sesskey},
	})
	resp, err := r.client.Send(ctx, r.client.BuildURL(processAttemptPath, nil), client.Options{
		Method:      http.MethodPost,
		Body:        []byte(body),
		ContentType: formContentType,
	})
	if err != nil {
		return "", err
	}

	return resp.FinalURL, nil
}

// CompleteExam runs the five workflow steps strictly in order and returns
// the final redirect URL. The first failing step aborts the run; its error
// is logged and returned unchanged.
func (r *Runner) CompleteExam(ctx context.Context, examURL string) (string, error) {
	log := r.logger.With(
		zap.String("run_id", uuid.NewString()),
		zap.String("exam_url", examURL),
	)
	log.Info("starting exam workflow")

	ec, err := r.FetchExamPage(ctx, examURL)
	if err != nil {
		return "", r.failStep(log, "fetch_exam_page", err)
	}
	metrics.ObserveStep("fetch_exam_page", "ok")
	log.Info("exam page fetched", zap.String("context_id", ec.ContextID))

	attempt, err := r.StartExamAttempt(ctx, ec)
	if err != nil {
		return "", r.failStep(log, "start_attempt", err)
	}
	metrics.ObserveStep("start_attempt", "ok")
	log.Info("attempt started", zap.String("attempt_id", attempt.AttemptID))

	qd, err := r.ExtractQuestionInfo(ctx, attempt.RedirectURL)
	if err != nil {
		return "", r.failStep(log, "extract_question", err)
	}
	metrics.ObserveStep("extract_question", "ok")
	log.Info("question extracted",
		zap.String("quest_id", qd.QuestID),
		zap.Int("options", len(qd.Options)),
	)

	sub, err := r.SubmitAnswer(ctx, qd, ec.ContextID)
	if err != nil {
		return "", r.failStep(log, "submit_answer", err)
	}
	metrics.ObserveStep("submit_answer", "ok")
	log.Info("answer submitted", zap.String("redirect_url", sub.RedirectURL))

	finalURL, err := r.FinishExamAttempt(ctx, sub.AttemptID, ec.ContextID, sub.Sesskey)
	if err != nil {
		return "", r.failStep(log, "finish_attempt", err)
	}
	metrics.ObserveStep("finish_attempt", "ok")
	metrics.ObserveRun("success")
	log.Info("exam workflow finished", zap.String("final_url", finalURL))

	return finalURL, nil
}

func (r *Runner) failStep(log *zap.Logger, step string, err error) error {
	metrics.ObserveStep(step, "error")
	metrics.ObserveRun("error")
	log.Error("exam workflow failed", zap.String("step", step), zap.Error(err))
	return err
}
