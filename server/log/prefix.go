package log

// PrefixLogger prepends a fixed string, such as a subsystem name, to every message
type PrefixLogger struct {
	Log    Log
	Prefix string
}

// NewPrefixLogger separates prefix from the message with a space.
// Prefixes nest, so "Broker" and then "Session 3" yields "Broker Session 3 ...".
func NewPrefixLogger(log Log, prefix string) *PrefixLogger {
	return &PrefixLogger{
		Log:    log,
		Prefix: prefix + " ",
	}
}

func (l *PrefixLogger) Close() { l.Log.Close() }

func (l *PrefixLogger) Debugf(format string, a ...any)    { l.Log.Debugf(l.Prefix+format, a...) }
func (l *PrefixLogger) Infof(format string, a ...any)     { l.Log.Infof(l.Prefix+format, a...) }
func (l *PrefixLogger) Warnf(format string, a ...any)     { l.Log.Warnf(l.Prefix+format, a...) }
func (l *PrefixLogger) Errorf(format string, a ...any)    { l.Log.Errorf(l.Prefix+format, a...) }
func (l *PrefixLogger) Criticalf(format string, a ...any) { l.Log.Criticalf(l.Prefix+format, a...) }
