package api

// docsHTML renders /openapi.json with Stoplight Elements. The banner links
// the live event stream, which is plain SSE and not part of the OpenAPI
// document.
const docsHTML = `<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="referrer" content="same-origin" />
  <meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no" />
  <title>Captcha Relay API</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
  <style>
    body { height: 100vh; margin: 0; display: flex; flex-direction: column; background: #0d1117; }
    .relay-banner { flex: none; display: flex; gap: 16px; align-items: center; padding: 8px 16px;
      border-bottom: 1px solid #30363d; color: #c9d1d9; font: 12px -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; }
    .relay-banner a { color: #58a6ff; text-decoration: none; }
    .relay-banner code { color: #8b949e; }
    elements-api { flex: 1; min-height: 0; }
  </style>
</head>
<body>
  <div class="relay-banner">
    <strong>Captcha Relay</strong>
    <span>Live events: <a href="/api/v1/events">/api/v1/events</a>
      <code>?topics=state,result,tab,queue</code></span>
  </div>
  <elements-api
    apiDescriptionUrl="/openapi.json"
    router="hash"
    layout="sidebar"
    tryItCredentialsPolicy="same-origin"
    darkMode
  />
</body>
</html>`
