package server

import (
	"net/http"

	"github.com/cyclopcam/alertbridge/pkg/www"
	"github.com/cyclopcam/alertbridge/server/alertdb"
	"github.com/julienschmidt/httprouter"
)

// Store the alert, then tell live viewers about it.
// A failed notification does not fail the request, because the alert is already durable.
func (s *Server) httpAlertsCreate(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var alert *alertdb.Alert
	www.ReadJSON(w, r, &alert, www.MaxJSONBody)
	if alert == nil {
		www.PanicBadRequestf("Alert must be a JSON object")
	}

	if err := s.alerts.Save(alert); err != nil {
		s.metrics.StoreFailures.Inc()
		s.Log.Errorf("Failed to save alert: %v", err)
		www.PanicServerErrorf("Failed to save alert")
	}
	s.metrics.AlertsStored.Inc()

	if err := s.publisher.Publish(alert); err != nil {
		s.metrics.PublishFailures.Inc()
		s.Log.Warnf("Alert %v was stored, but live notification failed: %v", alert.ID, err)
	}

	www.SendJSONStatus(w, http.StatusCreated, alert)
}

func (s *Server) httpAlertsList(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.metrics.HistoryQueries.Inc()
	alerts, err := s.alerts.QueryRecent(alertdb.HistoryLimit)
	if err != nil {
		s.Log.Errorf("Failed to read alerts: %v", err)
		www.PanicServerErrorf("Failed to read alerts")
	}
	www.SendJSON(w, alerts)
}
