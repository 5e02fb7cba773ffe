package storage

// PruneOld expone la limpieza del historial a los tests.
var PruneOld = (*SQLiteRegistry).pruneOld
