// Package httputil holds the JSON envelope helpers shared by the API and
// tracking handlers. Error responses are {"error": msg} with optional
// "code" and "details"; 5xx messages are generic and the cause is logged.
package httputil
