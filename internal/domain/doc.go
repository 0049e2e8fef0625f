// Package domain defines the core vocabulary shared by every component:
// task configuration, skill outcomes, audit log entries and the classified
// error kinds raised across the backend boundary.
package domain
