package oauth

import "html/template"

// loginPage is the data of the built-in login form. A deployment with its own
// login UI posts to the same start and verify endpoints.
type loginPage struct {
	Provider  string
	Session   string
	StartURL  string
	VerifyURL string
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Sign in</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 24rem; margin: 4rem auto; padding: 0 1rem; }
form { display: flex; flex-direction: column; gap: .5rem; margin-bottom: 2rem; }
input, button { font-size: 1rem; padding: .5rem; }
</style>
</head>
<body>
<h1>Sign in</h1>
<form method="post" action="{{.StartURL}}">
  <input type="hidden" name="session" value="{{.Session}}">
  <label for="start-email">Email</label>
  <input id="start-email" type="email" name="email" autocomplete="email" required>
  <button type="submit">Send code</button>
</form>
<form method="post" action="{{.VerifyURL}}">
  <input type="hidden" name="session" value="{{.Session}}">
  <label for="verify-email">Email</label>
  <input id="verify-email" type="email" name="email" autocomplete="email" required>
  <label for="code">Code</label>
  <input id="code" name="code" inputmode="numeric" autocomplete="one-time-code" required>
  <button type="submit">Sign in</button>
</form>
</body>
</html>
`))
