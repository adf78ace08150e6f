// Package catalog declares the logical tables of the association CRM and their schemas.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/storage"
)

// ErrUnknownTable is returned by Lookup for names outside the catalog.
var ErrUnknownTable = errors.New("catalog: unknown table")

var schemas = map[string]storage.Schema{
	"contacts": {
		Columns: []string{"ID", "Civilite", "Nom", "Prenom", "Email", "Telephone", "Entreprise_ID", "Fonction", "Ville", "Statut", "Notes"},
	},
	"inter": {
		Columns: []string{"ID", "Contact_ID", "Date", "Canal", "Objet", "Resume", "Responsable"},
	},
	"events": {
		Columns: []string{"ID", "Titre", "Type", "Date_Debut", "Date_Fin", "Lieu", "Capacite", "Statut"},
	},
	"parts": {
		Columns: []string{"ID", "Evenement_ID", "Contact_ID", "Role", "Presence", "Commentaire"},
	},
	"pay": {
		Columns: []string{"ID", "Contact_ID", "Date", "Montant", "Devise", "Moyen", "Objet", "Reference"},
	},
	"cert": {
		Columns: []string{"ID", "Contact_ID", "Intitule", "Organisme", "Date_Obtention", "Date_Expiration", "Statut"},
	},
	"entreprises": {
		Columns: []string{"ID", "Nom", "Secteur", "SIRET", "Adresse", "Ville", "Site_Web"},
	},
	"params": {
		Columns: []string{"ID", "Cle", "Valeur", "Description"},
	},
	"users": {
		Columns: []string{"ID", "Email", "Nom", "Role", "Actif"},
	},
}

// Names returns every logical table name in lexical order.
func Names() []string {
	names := make([]string, 0, len(schemas))
	for name := range schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns a copy of the schema for a logical table name.
func Lookup(name string) (storage.Schema, error) {
	schema, ok := schemas[Normalize(name)]
	if !ok {
		return storage.Schema{}, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return storage.Schema{
		Columns:  append([]string(nil), schema.Columns...),
		IDColumn: schema.IdentityColumn(),
	}, nil
}

// Normalize returns the canonical form of a table name.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
