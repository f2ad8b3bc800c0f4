// Package apps holds the applications an executor node can run on behalf of
// a dispatcher. An app is addressed by app_name and receives the function
// name, file lists, args and correlation id of one Exec call.
package apps
