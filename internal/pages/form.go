package pages

import (
	"bytes"
	"context"
	"html/template"

	"github.com/corvid-labs/axon/internal/engine"
	"github.com/corvid-labs/axon/internal/store"
	"github.com/corvid-labs/axon/internal/webhook"
	"github.com/corvid-labs/axon/pkg/schema"
)

// ResumeFormSlug is the page slug a wait's resume form is published under.
// A later wait on the same webhook slug supersedes the earlier form, matching
// registration supersede semantics.
func ResumeFormSlug(webhookSlug string) string {
	return "resume-" + webhookSlug
}

// The built-in form is deliberately minimal: the hidden identifier and token
// plus one free-text field, which FormHandler folds into {"response": ...}.
// Brains needing richer forms publish their own pages.
var resumeFormTmpl = template.Must(template.New("resume-form").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Resume run</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem auto; max-width: 36rem; padding: 0 1rem; color: #1a1a2e; }
code { background: #f0f0f5; padding: 0.1rem 0.3rem; border-radius: 3px; }
label { display: block; margin: 1rem 0 0.25rem; font-weight: 600; }
textarea { width: 100%; box-sizing: border-box; padding: 0.5rem; border: 1px solid #c0c0d0; border-radius: 4px; }
button { margin-top: 1rem; padding: 0.5rem 1.5rem; background: #3949ab; color: #fff; border: none; border-radius: 4px; cursor: pointer; }
button:hover { background: #303f9f; }
.meta { color: #555; font-size: 0.9rem; }
</style>
</head>
<body>
<h1>Waiting for input</h1>
<p class="meta">Run <code>{{.RunID}}</code> is suspended on <code>{{.Slug}}</code> for <code>{{.Identifier}}</code>.</p>
<form method="post" action="{{.Action}}">
<input type="hidden" name="{{.IdentifierField}}" value="{{.Identifier}}">
<input type="hidden" name="{{.TokenField}}" value="{{.Token}}">
<label for="response">Response</label>
<textarea id="response" name="response" rows="4" placeholder="Optional response text"></textarea>
<button type="submit">Resume run</button>
</form>
</body>
</html>
`))

type resumeFormData struct {
	RunID           string
	Slug            string
	Identifier      string
	Action          string
	IdentifierField string
	TokenField      string
	Token           string
}

// PublishResumeForm renders and stores the HTML form for a webhook wait that
// requested one. The form POSTs back to the webhook endpoint with the wait's
// identifier and single-use token; submitting it resumes the run through the
// ordinary coordination path. The page is not persistent, so the Janitor
// removes it once the run terminates.
func (s *Service) PublishResumeForm(ctx context.Context, runID, slug, identifier, token string) error {
	var buf bytes.Buffer
	err := resumeFormTmpl.Execute(&buf, resumeFormData{
		RunID:           runID,
		Slug:            slug,
		Identifier:      identifier,
		Action:          "/webhooks/" + slug,
		IdentifierField: webhook.DefaultIdentifierField,
		TokenField:      webhook.TokenField,
		Token:           token,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidInput,
			"failed to render resume form for webhook %q: %s", slug, err.Error()).
			WithRun(runID).WithCause(err)
	}

	return s.Publish(ctx, &store.Page{
		RunID:       runID,
		Slug:        ResumeFormSlug(slug),
		Title:       "Resume " + slug,
		Content:     buf.Bytes(),
		ContentType: DefaultContentType,
		Persist:     false,
	})
}

var _ engine.FormPublisher = (*Service)(nil)
