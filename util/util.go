package util

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

func EvalLazyArgs(args ...any) []any {
	ret := make([]any, len(args))
	for i, arg := range args {
		switch funArg := arg.(type) {
		case func() any:
			ret[i] = funArg()
		case func() string:
			ret[i] = funArg()
		default:
			ret[i] = arg
		}
	}
	return ret
}

// Assertf with optionally deferred evaluation of arguments
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Errorf("assertion failed:: "+format, EvalLazyArgs(args...)...))
	}
}

func Panicf(format string, args ...any) {
	Assertf(false, format, args...)
}

func AssertNoError(err error, prefix ...string) {
	pref := "error: "
	if len(prefix) > 0 {
		pref = strings.Join(prefix, " ") + ": "
	}
	Assertf(err == nil, pref+"%w", err)
}

func IsNil(p interface{}) bool {
	return p == nil || (reflect.ValueOf(p).Kind() == reflect.Ptr && reflect.ValueOf(p).IsNil())
}

func Keys[K comparable, V any](m map[K]V, filter ...func(k K) bool) []K {
	ret := make([]K, 0, len(m))
	if len(filter) == 0 {
		for k := range m {
			ret = append(ret, k)
		}
	} else {
		for k := range m {
			if filter[0](k) {
				ret = append(ret, k)
			}
		}
	}
	return ret
}

func SortKeys[K comparable, V any](m map[K]V, less func(k1, k2 K) bool) []K {
	ret := Keys(m)
	sort.Slice(ret, func(i, j int) bool {
		return less(ret[i], ret[j])
	})
	return ret
}

func ValuesFiltered[K comparable, V any](m map[K]V, filter func(v V) bool) []V {
	ret := make([]V, 0, len(m))
	for _, v := range m {
		if filter(v) {
			ret = append(ret, v)
		}
	}
	return ret
}

func FindFirst[T any](slice []T, cond func(el T) bool) (T, bool) {
	for _, el := range slice {
		if cond(el) {
			return el, true
		}
	}
	var nilElem T
	return nilElem, false
}

func Find[T comparable](slice []T, el T) int {
	for i, e := range slice {
		if e == el {
			return i
		}
	}
	return -1
}

func CloneArglistShallow[T any](elems ...T) []T {
	ret := make([]T, len(elems))
	copy(ret, elems)
	return ret
}

func CloneMapShallow[K comparable, V any](m map[K]V) map[K]V {
	ret := make(map[K]V, len(m))
	for k, v := range m {
		ret[k] = v
	}
	return ret
}
