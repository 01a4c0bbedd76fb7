package tracker

// SourceFactory builds the position source for a driver. The default wiring
// replays positions pushed by the driver's device through the HTTP ingress.
type SourceFactory func(driverID string) PositionSource

// Activator gives the lifecycle engine a start/stop surface without any
// knowledge of devices or sampling mechanics.
type Activator struct {
	Tracker *Tracker
	Sources SourceFactory
}

func (a *Activator) Start(rideID, driverID string) {
	if a.Sources == nil {
		return
	}
	a.Tracker.Start(rideID, driverID, a.Sources(driverID))
}

func (a *Activator) Stop(rideID string) {
	a.Tracker.Stop(rideID)
}
