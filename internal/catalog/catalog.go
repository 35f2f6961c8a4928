// Package catalog реализует фильтрацию, сортировку и постраничный вывод
// каталога лекарств, а также политику сроков годности.
package catalog

import (
	"sort"
	"strings"
	"time"

	"github.com/mmeshcher/medicare-system/internal/model"
)

// ItemsPerPage — фиксированный размер страницы каталога.
const ItemsPerPage = 20

// expiryLayout — формат даты срока годности.
const expiryLayout = "2006-01-02"

// ExpiryWarnDays — за сколько дней до истечения срока позиция помечается предупреждением.
const ExpiryWarnDays = 30

// SortOrder задаёт порядок сортировки отфильтрованного каталога.
type SortOrder string

// Поддерживаемые порядки сортировки.
const (
	SortByName  SortOrder = "name"
	SortByPrice SortOrder = "price"
	SortByStock SortOrder = "stock"
)

// Valid сообщает, входит ли значение в закрытый набор порядков сортировки.
func (s SortOrder) Valid() bool {
	switch s {
	case SortByName, SortByPrice, SortByStock:
		return true
	}
	return false
}

// Filter возвращает позиции, удовлетворяющие всем трём предикатам:
// регистронезависимое вхождение search в название, совпадение категории
// ("All" пропускает все) и наличие на складе при inStockOnly.
func Filter(meds []model.Medicine, search, category string, inStockOnly bool) []model.Medicine {
	search = strings.ToLower(search)

	var result []model.Medicine
	for _, med := range meds {
		if !strings.Contains(strings.ToLower(med.Name), search) {
			continue
		}
		if category != "All" && med.Category != category {
			continue
		}
		if inStockOnly && med.Stock <= 0 {
			continue
		}
		result = append(result, med)
	}
	return result
}

// Sort упорядочивает срез на месте. Сортировка устойчивая: равные элементы
// сохраняют исходный относительный порядок.
func Sort(meds []model.Medicine, order SortOrder) {
	switch order {
	case SortByPrice:
		sort.SliceStable(meds, func(i, j int) bool { return meds[i].Price < meds[j].Price })
	case SortByStock:
		sort.SliceStable(meds, func(i, j int) bool { return meds[i].Stock > meds[j].Stock })
	default:
		sort.SliceStable(meds, func(i, j int) bool { return meds[i].Name < meds[j].Name })
	}
}

// PageCount возвращает число страниц для n позиций.
func PageCount(n int) int {
	return (n + ItemsPerPage - 1) / ItemsPerPage
}

// Paginate возвращает окно страницы page (нумерация с нуля). Номер страницы
// за пределами допустимого диапазона приводится к ближайшей границе.
func Paginate(meds []model.Medicine, page int) []model.Medicine {
	if len(meds) == 0 {
		return nil
	}

	last := PageCount(len(meds)) - 1
	if page < 0 {
		page = 0
	}
	if page > last {
		page = last
	}

	start := page * ItemsPerPage
	end := start + ItemsPerPage
	if end > len(meds) {
		end = len(meds)
	}
	return meds[start:end]
}

// Categories возвращает отсортированный список уникальных категорий каталога.
func Categories(meds []model.Medicine) []string {
	seen := make(map[string]struct{})
	var res []string
	for _, med := range meds {
		category := med.Category
		if category == "" {
			category = "Other"
		}
		if _, ok := seen[category]; ok {
			continue
		}
		seen[category] = struct{}{}
		res = append(res, category)
	}
	sort.Strings(res)
	return res
}

// IsExpired сообщает, истёк ли срок годности на дату today. Дата, которую не
// удалось разобрать, считается не истёкшей.
func IsExpired(med model.Medicine, today time.Time) bool {
	expiry, err := time.Parse(expiryLayout, med.ExpiryDate)
	if err != nil {
		return false
	}
	return expiry.Before(truncateToDay(today))
}

// DaysUntilExpiry возвращает число дней до истечения срока годности.
// Второй результат равен false, если дату не удалось разобрать.
func DaysUntilExpiry(med model.Medicine, today time.Time) (int, bool) {
	expiry, err := time.Parse(expiryLayout, med.ExpiryDate)
	if err != nil {
		return 0, false
	}
	return int(expiry.Sub(truncateToDay(today)).Hours() / 24), true
}

// ExpiryStatus описывает позицию с точки зрения срока годности.
type ExpiryStatus string

// Возможные статусы срока годности.
const (
	ExpiryExpired ExpiryStatus = "expired"
	ExpirySoon    ExpiryStatus = "expires_soon"
	ExpiryFresh   ExpiryStatus = "fresh"
	ExpiryUnknown ExpiryStatus = "unknown"
)

// StatusOf классифицирует позицию: истёкшая, истекающая в ближайшие
// ExpiryWarnDays дней (включительно), свежая или с нечитаемой датой.
func StatusOf(med model.Medicine, today time.Time) (ExpiryStatus, int) {
	days, ok := DaysUntilExpiry(med, today)
	if !ok {
		return ExpiryUnknown, 0
	}
	switch {
	case days < 0:
		return ExpiryExpired, days
	case days <= ExpiryWarnDays:
		return ExpirySoon, days
	default:
		return ExpiryFresh, days
	}
}

// truncateToDay приводит момент времени к календарной дате в UTC,
// сопоставимой с результатом разбора expiryLayout.
func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
