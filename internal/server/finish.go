package server

import (
	"html/template"
	"net/http"
)

// The wallet redirects the user's browser here after consent. The page hands
// interact_ref and hash back to the app that opened the consent screen.
var finishPage = template.Must(template.New("finish").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Payment authorized</title>
</head>
<body>
<p>{{if .InteractRef}}Payment authorized. You can return to the app.{{else}}Authorization was not completed.{{end}}</p>
<script>
(function () {
  var msg = JSON.stringify({ interact_ref: {{.InteractRef}}, hash: {{.Hash}} });
  if (window.ReactNativeWebView && window.ReactNativeWebView.postMessage) {
    window.ReactNativeWebView.postMessage(msg);
    return;
  }
  if (window.opener && window.opener.postMessage) {
    window.opener.postMessage(msg, "*");
  }
  setTimeout(function () { window.close(); }, {{.CloseAfterMs}});
})();
</script>
</body>
</html>
`))

type finishPageData struct {
	InteractRef  string
	Hash         string
	CloseAfterMs int
}

func (s *Server) handleInteractionFinish(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	data := finishPageData{
		InteractRef:  q.Get("interact_ref"),
		Hash:         q.Get("hash"),
		CloseAfterMs: 3000,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := finishPage.Execute(w, data); err != nil {
		s.log.Sugar().Errorw("render finish page", "error", err)
	}
}
