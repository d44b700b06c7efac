package coords

import "github.com/kiel-opendata/district-import/internal/model"

// Kiel is the built-in table of approximate district centres, used when no
// COORDINATES_FILE is configured.
var Kiel = []model.Coordinate{
	{DistrictID: 1, Name: "Altstadt", Latitude: 54.3233, Longitude: 10.1394},
	{DistrictID: 2, Name: "Vorstadt", Latitude: 54.3211, Longitude: 10.1278},
	{DistrictID: 3, Name: "Exerzierplatz", Latitude: 54.3197, Longitude: 10.1336},
	{DistrictID: 4, Name: "Damperhof", Latitude: 54.3169, Longitude: 10.1189},
	{DistrictID: 5, Name: "Brunswik", Latitude: 54.3194, Longitude: 10.1117},
	{DistrictID: 6, Name: "Düsternbrook", Latitude: 54.3278, Longitude: 10.1508},
	{DistrictID: 7, Name: "Blücherplatz", Latitude: 54.3267, Longitude: 10.1208},
	{DistrictID: 8, Name: "Wik", Latitude: 54.3428, Longitude: 10.1347},
	{DistrictID: 9, Name: "Ravensberg", Latitude: 54.3244, Longitude: 10.1006},
	{DistrictID: 10, Name: "Schreventeich", Latitude: 54.3278, Longitude: 10.1094},
	{DistrictID: 11, Name: "Südfriedhof", Latitude: 54.3147, Longitude: 10.1119},
	{DistrictID: 12, Name: "Gaarden-Ost", Latitude: 54.3094, Longitude: 10.1503},
	{DistrictID: 13, Name: "Gaarden-Süd/Kronsburg", Latitude: 54.2972, Longitude: 10.1528},
	{DistrictID: 14, Name: "Hassee", Latitude: 54.3019, Longitude: 10.1203},
	{DistrictID: 15, Name: "Hasseldieksdamm", Latitude: 54.2892, Longitude: 10.1247},
	{DistrictID: 16, Name: "Ellerbek", Latitude: 54.2947, Longitude: 10.1333},
	{DistrictID: 17, Name: "Wellingdorf", Latitude: 54.3053, Longitude: 10.1697},
	{DistrictID: 18, Name: "Holtenau", Latitude: 54.3736, Longitude: 10.1453},
	{DistrictID: 19, Name: "Pries", Latitude: 54.3631, Longitude: 10.1336},
	{DistrictID: 20, Name: "Friedrichsort", Latitude: 54.3847, Longitude: 10.1708},
	{DistrictID: 21, Name: "Suchsdorf", Latitude: 54.3508, Longitude: 10.0836},
	{DistrictID: 22, Name: "Steenbek-Projensdorf", Latitude: 54.3431, Longitude: 10.0722},
	{DistrictID: 23, Name: "Russee", Latitude: 54.3178, Longitude: 10.0672},
	{DistrictID: 24, Name: "Mettenhof", Latitude: 54.2833, Longitude: 10.1092},
	{DistrictID: 25, Name: "Dietrichsdorf", Latitude: 54.2728, Longitude: 10.0944},
	{DistrictID: 26, Name: "Oppendorf", Latitude: 54.2708, Longitude: 10.1203},
	{DistrictID: 27, Name: "Schilksee", Latitude: 54.4050, Longitude: 10.1525},
	{DistrictID: 28, Name: "Pries-Friedrichsort", Latitude: 54.3525, Longitude: 10.2017},
	{DistrictID: 29, Name: "Hammer", Latitude: 54.3142, Longitude: 10.0439},
	{DistrictID: 30, Name: "Neumühlen-Dietrichsdorf", Latitude: 54.3397, Longitude: 10.0478},
}
