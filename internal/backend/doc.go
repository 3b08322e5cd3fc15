// Package backend dispatches validated tool calls to the business action API.
// Each tool definition carries an HTTP method and a path template; path
// placeholders are filled from the arguments and the remainder travels as a
// JSON body or query string. Responses use the {success, action, data,
// error, logId} envelope.
package backend
