package interpolate

import "math"

// earthRadiusM es el radio medio de la Tierra (IUGG).
const earthRadiusM = 6371008.8

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
func toDeg(rad float64) float64 { return rad * 180 / math.Pi }

// destination proyecta un punto distanceM metros a lo largo de bearing
// (grados desde el norte) sobre la esfera. Devuelve lat/lon en grados.
func destination(lat, lon, bearing, distanceM float64) (float64, float64) {
	phi1 := toRad(lat)
	lambda1 := toRad(lon)
	theta := toRad(bearing)
	delta := distanceM / earthRadiusM

	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) +
		math.Cos(phi1)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda1 + math.Atan2(math.Sin(theta)*math.Sin(delta)*math.Cos(phi1),
		math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2))

	return toDeg(phi2), normalizeLon(toDeg(lambda2))
}

// haversine devuelve la distancia en metros entre dos puntos.
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// normalizeLon lleva una longitud a [-180, 180).
func normalizeLon(lon float64) float64 {
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}

// normalizeHeading lleva un rumbo a [0, 360).
func normalizeHeading(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}

// headingDelta es la diferencia con signo más corta de h1 a h2, en [-180, 180).
func headingDelta(h1, h2 float64) float64 {
	return normalizeHeading(h2-h1+180) - 180
}

// lerpLon interpola longitudes por el camino corto (cruce del antimeridiano).
func lerpLon(lon1, lon2, frac float64) float64 {
	d := normalizeLon(lon2 - lon1)
	return normalizeLon(lon1 + d*frac)
}

func lerp(a, b, frac float64) float64 { return a + (b-a)*frac }
