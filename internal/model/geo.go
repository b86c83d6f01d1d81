package model

import "math"

const earthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance between two points in meters.
func Haversine(a, b RoutePoint) float64 {
	lat1, lat2 := a.Lat*math.Pi/180, b.Lat*math.Pi/180
	dLat := lat2 - lat1
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// RouteDistance sums the distance between consecutive valid points.
func RouteDistance(points []RoutePoint) float64 {
	var total float64
	var prev *RoutePoint
	for i := range points {
		if !points[i].Valid() {
			continue
		}
		if prev != nil {
			total += Haversine(*prev, points[i])
		}
		prev = &points[i]
	}
	return total
}
