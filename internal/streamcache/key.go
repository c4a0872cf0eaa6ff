package streamcache

// Key identifies an output stream by (flowtype, sensor, hour), per
// spec.md §3. hour must already be floored to the enclosing hour.
type Key struct {
	FlowtypeID uint16
	SensorID   uint16
	HourMs     int64
}

// Less gives the total order (sensor_id, flowtype_id, hour_ms) spec.md
// §3 specifies for the cache key.
func (k Key) Less(o Key) bool {
	if k.SensorID != o.SensorID {
		return k.SensorID < o.SensorID
	}
	if k.FlowtypeID != o.FlowtypeID {
		return k.FlowtypeID < o.FlowtypeID
	}
	return k.HourMs < o.HourMs
}
